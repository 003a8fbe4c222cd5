//go:build !unix

package cmd

import (
	"context"

	"go.uber.org/zap"

	"github.com/ThatCatDev/tanrenai/pocket/internal/inference"
)

type appStateHandler interface {
	HandleAppState(ctx context.Context, s inference.AppState) error
}

// watchAppState is a no-op where there is no job control.
func watchAppState(context.Context, appStateHandler, *zap.Logger) func() {
	return func() {}
}
