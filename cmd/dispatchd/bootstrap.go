package main

import (
	"context"
	"fmt"

	"dispatcher/internal/config"
	"dispatcher/internal/daemonrun"
)

func run(ctx context.Context, configPath string) error {
	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return daemonrun.Run(ctx, cfg, daemonrun.Options{})
}
