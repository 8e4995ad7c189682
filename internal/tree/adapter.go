// Package tree drives the project's package manager and reads the
// dependency trees it produces.
package tree

import (
	"context"
	"errors"

	"github.com/acheong08/safedeps/pkg/models"
)

var (
	ErrNoLockfile           = errors.New("no installed tree or lockfile found")
	ErrIdealTreeUnsupported = errors.New("ideal tree building is only supported for npm projects")
)

// InstallOptions tune an install
type InstallOptions struct {
	// Tree, when set, is written to the lockfile before installing so the
	// package manager reifies it.
	Tree *models.DependencyTree
	// Args are appended to the install command.
	Args []string
}

// Adapter is the package manager as seen by the remediation loop. Every
// tree it returns is freshly parsed.
type Adapter interface {
	Install(ctx context.Context, opts InstallOptions) error
	ActualTree(ctx context.Context) (*models.DependencyTree, error)
	BuildIdealTree(ctx context.Context) (*models.DependencyTree, error)
	RunScript(ctx context.Context, script string) error
}

// LogCallback is an optional function for forwarding log messages (e.g. to WebSocket).
type LogCallback func(message, level string)
