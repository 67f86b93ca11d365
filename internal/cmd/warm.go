package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lapig-ufg/tiles/internal/jobengine"
	"github.com/lapig-ufg/tiles/internal/keyspace"
)

// warmCmd groups the CLI-triggered equivalents of §4.11's HTTP
// cache-warming endpoints, for operators scripting warmup outside the
// admin HTTP surface (cron jobs, one-off backfills).
var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Submit a cache-warming job directly, bypassing the admin HTTP surface",
}

var warmPointCmd = &cobra.Command{
	Use:   "point",
	Short: "Warm the tile pyramid around a single lat/lon",
	RunE:  runWarmPoint,
}

var warmCampaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Warm every point in a named campaign's point set",
	RunE:  runWarmCampaign,
}

var warmRegionCmd = &cobra.Command{
	Use:   "region",
	Short: "Warm every tile intersecting a bounding box",
	RunE:  runWarmRegion,
}

func init() {
	rootCmd.AddCommand(warmCmd)
	warmCmd.AddCommand(warmPointCmd, warmCampaignCmd, warmRegionCmd)

	for _, c := range []*cobra.Command{warmPointCmd, warmCampaignCmd, warmRegionCmd} {
		c.Flags().String("redis-addr", "", "Redis address (host:port) the running serve process's broker listens on")
		c.Flags().String("sqlite-path", "", "Path to the JobEngine's SQLite store (must match the serve process's)")
		c.Flags().StringSlice("layers", nil, "Layers to warm (e.g. s2_harmonized,landsat)")
		c.Flags().IntSlice("years", nil, "Years to warm")
		c.Flags().StringSlice("visparams", nil, "VisParam names to warm; with none given the job has no tiles to warm")
		c.Flags().String("period", "WET", "Period to warm: WET, DRY, or MONTH")
		c.Flags().Bool("force", false, "For 'warm campaign', also warm points already marked cached; tiles already in a cache tier are served from it, not re-rendered")
	}

	warmPointCmd.Flags().Float64("lat", 0, "Latitude")
	warmPointCmd.Flags().Float64("lon", 0, "Longitude")
	warmPointCmd.Flags().IntSlice("zooms", []int{12, 13, 14}, "Zoom levels to warm")

	warmCampaignCmd.Flags().String("campaign-id", "", "Campaign ID to warm")
	warmCampaignCmd.Flags().Int("batch-size", 10, "Points submitted per dequeue batch")
	warmCampaignCmd.Flags().IntSlice("zooms", []int{12, 13, 14}, "Zoom levels to warm")

	warmRegionCmd.Flags().Float64Slice("bbox", nil, "minLon,minLat,maxLon,maxLat")
	warmRegionCmd.Flags().Int("zoom-min", 0, "Minimum zoom (defaults to the service's configured minimum)")
	warmRegionCmd.Flags().Int("zoom-max", 0, "Maximum zoom (defaults to the service's configured maximum)")
}

// dialWarmupBroker connects a standalone Engine against the same Redis
// broker and SQLite store the serve process uses, so a submitted job is
// picked up by that process's running Pool rather than requiring its own.
func dialWarmupBroker(cmd *cobra.Command) (*jobengine.Engine, func(), error) {
	redisAddr, _ := cmd.Flags().GetString("redis-addr")
	if redisAddr == "" {
		redisAddr = viper.GetString("redis_addr")
	}
	if redisAddr == "" {
		return nil, nil, fmt.Errorf("redis-addr is required: the job broker must match the running serve process")
	}
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	if sqlitePath == "" {
		sqlitePath = viper.GetString("sqlite_path")
	}
	if sqlitePath == "" {
		return nil, nil, fmt.Errorf("sqlite-path is required: the job store must match the running serve process")
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	store, err := jobengine.NewStore(sqlitePath)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("open job store: %w", err)
	}
	broker := jobengine.NewBroker(client, 1000)
	engine := jobengine.NewEngine(store, broker)

	cleanup := func() {
		store.Close()
		client.Close()
	}
	return engine, cleanup, nil
}

func printJob(job *jobengine.JobRecord) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}

func runWarmPoint(cmd *cobra.Command, args []string) error {
	engine, cleanup, err := dialWarmupBroker(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	lat, _ := cmd.Flags().GetFloat64("lat")
	lon, _ := cmd.Flags().GetFloat64("lon")
	layers, _ := cmd.Flags().GetStringSlice("layers")
	years, _ := cmd.Flags().GetIntSlice("years")
	zooms, _ := cmd.Flags().GetIntSlice("zooms")
	visparams, _ := cmd.Flags().GetStringSlice("visparams")
	period, _ := cmd.Flags().GetString("period")
	force, _ := cmd.Flags().GetBool("force")

	job, err := engine.SubmitWarmPoint(cmd.Context(), jobengine.WarmPointRequest{
		Lat:       lat,
		Lon:       lon,
		Layers:    layers,
		Years:     years,
		Zooms:     zooms,
		VisParams: visparams,
		Period:    period,
		Force:     force,
	}, jobengine.PriorityStandard)
	if err != nil {
		return fmt.Errorf("submit warm-point job: %w", err)
	}
	return printJob(job)
}

func runWarmCampaign(cmd *cobra.Command, args []string) error {
	engine, cleanup, err := dialWarmupBroker(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	campaignID, _ := cmd.Flags().GetString("campaign-id")
	if campaignID == "" {
		return fmt.Errorf("--campaign-id is required")
	}
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	layers, _ := cmd.Flags().GetStringSlice("layers")
	years, _ := cmd.Flags().GetIntSlice("years")
	zooms, _ := cmd.Flags().GetIntSlice("zooms")
	visparams, _ := cmd.Flags().GetStringSlice("visparams")
	period, _ := cmd.Flags().GetString("period")
	force, _ := cmd.Flags().GetBool("force")

	job, err := engine.SubmitWarmCampaign(cmd.Context(), jobengine.WarmCampaignRequest{
		CampaignID: campaignID,
		BatchSize:  batchSize,
		Layers:     layers,
		Years:      years,
		Zooms:      zooms,
		VisParams:  visparams,
		Period:     period,
		Force:      force,
	}, jobengine.PriorityStandard)
	if err != nil {
		return fmt.Errorf("submit warm-campaign job: %w", err)
	}
	return printJob(job)
}

func runWarmRegion(cmd *cobra.Command, args []string) error {
	engine, cleanup, err := dialWarmupBroker(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	bboxSlice, _ := cmd.Flags().GetFloat64Slice("bbox")
	if len(bboxSlice) != 4 {
		return fmt.Errorf("--bbox must supply exactly 4 values: minLon,minLat,maxLon,maxLat")
	}
	var bbox [4]float64
	copy(bbox[:], bboxSlice)

	zoomMin, _ := cmd.Flags().GetInt("zoom-min")
	if zoomMin == 0 {
		zoomMin = keyspace.MinZoom
	}
	zoomMax, _ := cmd.Flags().GetInt("zoom-max")
	if zoomMax == 0 {
		zoomMax = keyspace.MaxZoom
	}
	layers, _ := cmd.Flags().GetStringSlice("layers")
	years, _ := cmd.Flags().GetIntSlice("years")
	visparams, _ := cmd.Flags().GetStringSlice("visparams")
	period, _ := cmd.Flags().GetString("period")
	force, _ := cmd.Flags().GetBool("force")

	job, err := engine.SubmitWarmRegion(cmd.Context(), jobengine.WarmRegionRequest{
		BBox:      bbox,
		Layers:    layers,
		Years:     years,
		ZoomMin:   zoomMin,
		ZoomMax:   zoomMax,
		VisParams: visparams,
		Period:    period,
		Force:     force,
	}, jobengine.PriorityLow)
	if err != nil {
		return fmt.Errorf("submit warm-region job: %w", err)
	}
	return printJob(job)
}
