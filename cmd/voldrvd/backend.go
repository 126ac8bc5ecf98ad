package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/cuemby/voldrv/pkg/backend"
	"github.com/cuemby/voldrv/pkg/backend/fsbackend"
	"github.com/cuemby/voldrv/pkg/backend/s3backend"
	"github.com/cuemby/voldrv/pkg/config"
)

// openBackendFactory constructs the backend.Factory named by
// cfg.Kind, matching the two BackendIface implementations in
// pkg/backend: a local filesystem tree, or an S3 bucket.
func openBackendFactory(cfg config.BackendConnectionManagerConfig) (backend.Factory, error) {
	switch cfg.Kind {
	case "fs":
		return fsbackend.NewStore(cfg.LocalPath)
	case "s3":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.S3Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
		}
		return s3backend.NewStore(context.Background(), cfg.S3Bucket, opts...)
	default:
		return nil, fmt.Errorf("unknown backend_connection_manager.kind %q", cfg.Kind)
	}
}
