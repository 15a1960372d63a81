package orchestrator

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

// persist turns the job result into assets and links each one to the job.
// Assets are created one at a time with no deduplication against existing
// rows. The first failure stops persistence and is returned; assets created
// before it stay in place.
func (p *Processor) persist(ctx context.Context, run *jobRun) ([]*types.Asset, error) {
	planned, err := p.plan(run)
	if err != nil {
		return nil, err
	}

	log := p.logger.WithJob(run.job.ID.String())
	created := make([]*types.Asset, 0, len(planned))
	for _, asset := range planned {
		if err := p.assets.Create(ctx, asset); err != nil {
			return created, fmt.Errorf("failed to persist %s asset %s: %w", asset.AssetType, asset.Value, err)
		}
		created = append(created, asset)

		if err := p.jobs.LinkJobToAsset(ctx, run.job.ID, asset.ID); err != nil {
			return created, fmt.Errorf("failed to link asset %s to job: %w", asset.Value, err)
		}
		log.LogDiscoveryEvent(ctx, string(asset.AssetType), asset.Value, run.job.ID.String())
	}
	return created, nil
}

// plan builds the assets for a run in a fixed order: domains, IPs, ports,
// web resources, then any anchors that carry findings or vulnerabilities but
// matched nothing discovered.
func (p *Processor) plan(run *jobRun) ([]*types.Asset, error) {
	now := p.now()
	orgID := run.job.OrganizationID
	used := make(map[*anchor]bool)

	var assets []*types.Asset
	add := func(assetType types.AssetType, value string, attrs map[string]interface{}) error {
		asset := &types.Asset{
			ID:             uuid.New(),
			OrganizationID: orgID,
			AssetType:      assetType,
			Value:          value,
			Status:         types.AssetStatusActive,
			FirstSeen:      now,
			LastSeen:       now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		for _, a := range run.anchors {
			if a.assetType == assetType && a.value == value && !used[a] {
				asset.ID = a.id
				used[a] = true
				if len(a.metadata) > 0 {
					attrs["metadata"] = a.metadata
				}
				break
			}
		}
		if techs := run.result.TechnologiesFor(asset.ID); len(techs) > 0 {
			attrs["technologies"] = techs
		}
		if vulns := run.result.VulnerabilitiesFor(asset.ID); len(vulns) > 0 {
			attrs["vulnerabilities"] = vulns
		}

		doc, err := types.NewJSONDocument(attrs)
		if err != nil {
			return fmt.Errorf("failed to encode attributes for %s: %w", value, err)
		}
		asset.Attributes = doc
		assets = append(assets, asset)
		return nil
	}

	for _, d := range run.result.Domains() {
		if err := add(types.AssetTypeDomain, d.DomainName, domainAttributes(d)); err != nil {
			return nil, err
		}
	}
	for _, ip := range run.result.IPAddresses() {
		if err := add(types.AssetTypeIPAddress, ip.IPAddress, map[string]interface{}{"source": ip.Source}); err != nil {
			return nil, err
		}
	}
	for _, port := range run.result.Ports {
		if port.Status == types.PortStatusClosed {
			continue
		}
		if err := add(types.AssetTypeIPAddress, PortAssetValue(port), portAttributes(port)); err != nil {
			return nil, err
		}
	}
	for _, res := range run.result.WebResources {
		if err := add(types.AssetTypeWebApp, res.URL, webAttributes(res)); err != nil {
			return nil, err
		}
	}

	for _, a := range run.anchors {
		if used[a] {
			continue
		}
		if len(a.metadata) == 0 && len(run.result.TechnologiesFor(a.id)) == 0 &&
			len(run.result.VulnerabilitiesFor(a.id)) == 0 {
			continue
		}
		source := "job_target_" + run.job.ID.String()
		attrs := map[string]interface{}{"source": source}
		if a.assetType == types.AssetTypeDomain {
			attrs = domainAttributes(types.DiscoveredDomain{DomainName: a.value, Source: source})
		}
		if err := add(a.assetType, a.value, attrs); err != nil {
			return nil, err
		}
	}
	return assets, nil
}

// PortAssetValue names a port asset as ip:port, with a /udp suffix for UDP.
func PortAssetValue(port types.DiscoveredPort) string {
	value := net.JoinHostPort(port.IPAddress, strconv.Itoa(port.Port))
	if port.Protocol == types.ProtocolUDP {
		value += "/udp"
	}
	return value
}

func domainAttributes(d types.DiscoveredDomain) map[string]interface{} {
	attrs := map[string]interface{}{"source": d.Source}
	if registered, err := publicsuffix.EffectiveTLDPlusOne(d.DomainName); err == nil {
		attrs["registered_domain"] = registered
	}
	return attrs
}

func portAttributes(port types.DiscoveredPort) map[string]interface{} {
	attrs := map[string]interface{}{
		"ip_address": port.IPAddress,
		"port":       port.Port,
		"protocol":   port.Protocol,
		"status":     port.Status,
		"source":     port.Source,
	}
	if port.ServiceName != "" {
		attrs["service_name"] = port.ServiceName
	}
	if port.Banner != "" {
		attrs["banner"] = port.Banner
	}
	return attrs
}

func webAttributes(res types.DiscoveredWebResource) map[string]interface{} {
	attrs := map[string]interface{}{
		"status_code": res.StatusCode,
		"source":      res.Source,
	}
	if res.Title != "" {
		attrs["title"] = res.Title
	}
	if len(res.Technologies) > 0 {
		attrs["detected_technologies"] = res.Technologies
	}
	return attrs
}
