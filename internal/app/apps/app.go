// Package apps implements the applications started by the replnet commands.
package apps

import "context"

// App is a runnable application. Run blocks until the app is done or ctx is cancelled.
type App interface {
	Run(ctx context.Context, args []string) error
}
