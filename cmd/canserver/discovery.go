package main

import (
	"context"

	"github.com/kstaniek/canserver/internal/discovery"
)

func startMDNS(ctx context.Context, cfg *appConfig, pandaPort int) (func(), error) {
	return discovery.Start(ctx, discovery.Config{
		Enabled: cfg.mdnsEnable,
		Name:    cfg.mdnsName,
		Version: version,
		Commit:  commit,
	}, pandaPort)
}
