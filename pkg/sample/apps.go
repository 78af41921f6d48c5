// Package sample declares a small application domain used by the gustav
// command and in examples.
//
// Applications live under /apps/{app}:
//
//	{"apps": {"web": {"image": "nginx:1.27", "installed": true, "running": true}}}
//
// Actions change one application at a time and fail when their
// precondition does not hold, which keeps them out of plans where they do
// not apply. Each job declares the kind of mismatch it is offered for:
// install and deploy create applications, start and stop update them and
// uninstall deletes them. Remove only runs as part of uninstall. Upgrade is
// offered for any mismatch since an image may be added or replaced.
package sample

import (
	"fmt"

	"github.com/balena-io-experimental/gustav/pkg/domain"
	"github.com/balena-io-experimental/gustav/pkg/task"
)

// App is the state of one application.
type App struct {
	Image     string `json:"image,omitempty"`
	Installed bool   `json:"installed"`
	Running   bool   `json:"running"`
}

// AppTarget is the target of one application. Absent fields are left as
// they are.
type AppTarget struct {
	Image   *string `json:"image,omitempty"`
	Running *bool   `json:"running,omitempty"`
}

var (
	// Install creates an application from its target image.
	Install = task.MustAction("install", func(app *task.Pointer[App], target task.Target[AppTarget]) error {
		if cur, ok := app.Get(); ok && cur.Installed {
			return fmt.Errorf("already installed")
		}
		next := App{Installed: true}
		if target.Value.Image != nil {
			next.Image = *target.Value.Image
		}
		app.Set(next)
		return nil
	}, task.WithDescription("install an application"), task.WithOperation(task.OperationCreate))

	// Start runs an installed application.
	Start = task.MustAction("start", func(app *task.View[App]) error {
		if !app.Value.Installed {
			return fmt.Errorf("not installed")
		}
		if app.Value.Running {
			return fmt.Errorf("already running")
		}
		app.Value.Running = true
		return nil
	}, task.WithDescription("start an application"), task.WithOperation(task.OperationUpdate))

	// Stop stops a running application.
	Stop = task.MustAction("stop", func(app *task.View[App]) error {
		if !app.Value.Running {
			return fmt.Errorf("not running")
		}
		app.Value.Running = false
		return nil
	}, task.WithDescription("stop an application"), task.WithOperation(task.OperationUpdate))

	// Remove deletes a stopped application.
	Remove = task.MustAction("remove", func(app *task.View[App]) error {
		if app.Value.Running {
			return fmt.Errorf("still running")
		}
		app.Delete()
		return nil
	}, task.WithDescription("remove an application"), task.WithOperation(task.OperationNone))

	// Upgrade switches an installed application to its target image.
	Upgrade = task.MustAction("upgrade", func(app *task.View[App], target task.Target[AppTarget]) error {
		if target.Value.Image == nil || *target.Value.Image == app.Value.Image {
			return fmt.Errorf("no image change")
		}
		if !app.Value.Installed {
			return fmt.Errorf("not installed")
		}
		app.Value.Image = *target.Value.Image
		return nil
	}, task.WithDescription("change the image of an application"))

	// Deploy installs an application if needed and brings it to its
	// target running state.
	Deploy = task.MustMethod("deploy", func(app *task.Pointer[App], target task.Target[AppTarget]) []task.Task {
		cur, exists := app.Get()
		var tasks []task.Task
		if !exists || !cur.Installed {
			tasks = append(tasks, Install.Task())
		}
		if target.Value.Running != nil && *target.Value.Running != cur.Running {
			if *target.Value.Running {
				tasks = append(tasks, Start.Task())
			} else {
				tasks = append(tasks, Stop.Task())
			}
		}
		return tasks
	}, task.WithDescription("install and start an application"), task.WithOperation(task.OperationCreate))

	// Uninstall stops an application if needed and removes it.
	Uninstall = task.MustMethod("uninstall", func(app *task.View[App]) []task.Task {
		if app.Value.Running {
			return []task.Task{Stop.Task(), Remove.Task()}
		}
		return []task.Task{Remove.Task()}
	}, task.WithDescription("stop and remove an application"), task.WithOperation(task.OperationDelete))
)

// Domain returns the application domain.
func Domain() *domain.Domain {
	return domain.NewBuilder().
		Register("/apps/{app}", Install, Start, Stop, Remove, Upgrade, Deploy, Uninstall).
		MustBuild()
}
