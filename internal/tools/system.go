package tools

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

const OpenApplicationName = "open_application"

// Launcher starts a desktop application by name.
type Launcher interface {
	Launch(ctx context.Context, app string) error
}

// ExecLauncher starts applications as detached processes.
type ExecLauncher struct{}

func (ExecLauncher) Launch(_ context.Context, app string) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		cmd = exec.Command("open", "-a", app)
	} else {
		cmd = exec.Command(app)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func OpenApplication(l Launcher) Tool {
	return Tool{
		Name:        OpenApplicationName,
		Description: "Opens an application on the user's computer, e.g. 'open firefox' or 'start the terminal'.",
		Schema: objectSchema([]string{"app_name"}, map[string]any{
			"app_name": stringProp("Name of the application to open."),
		}),
		Run: func(ctx context.Context, args Args) (string, error) {
			app, err := args.String("app_name")
			if err != nil {
				return "", err
			}
			if l == nil {
				return "", ErrNotAvailable
			}
			if err := l.Launch(ctx, app); err != nil {
				return "", fmt.Errorf("start %s: %w", app, err)
			}
			return fmt.Sprintf("Application '%s' started successfully.", app), nil
		},
	}
}
