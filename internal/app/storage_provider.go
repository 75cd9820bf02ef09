package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/memory-import/internal/config"
	"github.com/yungbote/memory-import/internal/pkg/logger"
	"github.com/yungbote/memory-import/internal/platform/gcp"
)

var newObjectSource = gcp.NewObjectSource

/*
resolveObjectSource builds the GCS reader for gs:// export paths. Mode "disabled" returns
nil, nil and leaves exports to the local root. Config problems come back as a wrapped
*gcp.ObjectStorageConfigError so callers can tell a typo from an unreachable bucket.
*/
func resolveObjectSource(ctx context.Context, log *logger.Logger, cfg config.StorageConfig) (*gcp.ObjectSource, error) {
	if strings.EqualFold(strings.TrimSpace(cfg.Mode), "disabled") {
		log.Info("Object storage disabled, exports are read from local disk", "local_root", cfg.LocalRoot)
		return nil, nil
	}
	storageCfg, err := gcp.ResolveObjectStorageConfig(cfg.Mode, cfg.EmulatorHost)
	if err != nil {
		return nil, fmt.Errorf("export storage config: %w", err)
	}
	if storageCfg.CompatibilityFallback {
		log.Warn("Storage mode not set, using the emulator because a host is configured", "emulator_host", storageCfg.EmulatorHost)
	}
	src, err := newObjectSource(ctx, log, storageCfg, cfg.DefaultBucket, cfg.CredentialsJSON)
	if err != nil {
		return nil, fmt.Errorf("export storage (%s): %w", storageCfg.Mode, err)
	}
	return src, nil
}
