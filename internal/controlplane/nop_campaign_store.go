package controlplane

import (
	"context"

	"github.com/lapig-ufg/tiles/internal/jobengine"
)

// NopCampaignStore is a CampaignStore adapter for deployments that run
// without a separate campaign service: campaigns simply have no points,
// so warm-campaign jobs complete instantly with nothing to do. §3 treats
// CampaignStore as wholly external to the core; this is the degenerate
// instance, not a reinterpretation of its contract.
type NopCampaignStore struct{}

// Points implements jobengine.CampaignStore.
func (NopCampaignStore) Points(ctx context.Context, campaignID string) ([]jobengine.Point, error) {
	return nil, nil
}

// MarkPointCached implements jobengine.CampaignStore.
func (NopCampaignStore) MarkPointCached(ctx context.Context, campaignID, pointID string) error {
	return nil
}

// UpdateProgress implements jobengine.CampaignStore.
func (NopCampaignStore) UpdateProgress(ctx context.Context, campaignID string, progress jobengine.CampaignProgress) error {
	return nil
}
