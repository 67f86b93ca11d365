// Command tileserver is the entrypoint for the XYZ mosaic tile server.
package main

import "github.com/lapig-ufg/tiles/internal/cmd"

func main() {
	cmd.Execute()
}
