package logsvc

import (
	"log"
	"net/http"
	"sync"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/account"
	"github.com/trezcool/lms-portal/core/tenant"
)

// RollbarLogger prints to a standard logger and reports to rollbar.
// Besides errors and extras maps, it understands these arguments:
//   - account.LinkedUser: reported as the rollbar person
//   - tenant.Context: reported as the "tenant" extra
// A *core.Error adds its kind to the extras; an *http.Request is attached to the report.
type RollbarLogger struct {
	std   *log.Logger
	debug bool

	// the rollbar person is process-wide; a report holds mu from SetPerson to send
	mu *sync.Mutex
}

var _ core.Logger = (*RollbarLogger)(nil)

func NewRollbarLogger(std *log.Logger, conf *core.Config) *RollbarLogger {
	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetServerHost(conf.Server.Host)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetStackTracer(errors.StackTracer)
	rollbar.SetCustom(map[string]interface{}{"app": conf.AppName, "sandbox": conf.Sandbox.Enabled})
	rollbar.SetEnabled(conf.RollbarToken != "")
	return &RollbarLogger{std: std, debug: conf.Debug, mu: new(sync.Mutex)}
}

func (l RollbarLogger) Enable(enabled bool) {
	rollbar.SetEnabled(enabled)
}

type report struct {
	args   []interface{}
	user   *account.LinkedUser
	tenant string
}

func (l RollbarLogger) prepare(msg string, args []interface{}) report {
	rep := report{args: make([]interface{}, 0, len(args)+2)}
	rep.args = append(rep.args, msg)
	extras := make(map[string]interface{})

	for _, arg := range args {
		switch a := arg.(type) {
		case account.LinkedUser:
			if rep.user == nil { // only report one user
				usr := a
				rep.user = &usr
			}
		case tenant.Context:
			rep.tenant = a.TenantID()
			extras["tenant"] = rep.tenant
			extras["local_dev"] = a.IsLocalDev
		case map[string]interface{}:
			for k, v := range a {
				extras[k] = v
			}
		case error:
			if cerr, ok := core.AsError(a); ok {
				extras["kind"] = cerr.Kind.String()
			}
			rep.args = append(rep.args, a)
		default:
			rep.args = append(rep.args, a)
		}
	}
	if len(extras) > 0 {
		rep.args = append(rep.args, extras)
	}
	return rep
}

func (l RollbarLogger) send(level func(...interface{}), msg string, args []interface{}) {
	rep := l.prepare(msg, args)

	l.mu.Lock()
	if rep.user != nil {
		rollbar.SetPerson(rep.user.ID, rep.user.Name, rep.user.Email)
	} else {
		rollbar.ClearPerson()
	}
	level(rep.args...)
	l.mu.Unlock()

	l.print(msg, rep)
}

func (l RollbarLogger) print(msg string, rep report) {
	if rep.tenant != "" {
		msg = "[" + rep.tenant + "] " + msg
	}
	l.std.Println(msg)
	for _, arg := range rep.args[1:] {
		switch a := arg.(type) {
		case map[string]interface{}:
		case *http.Request:
			l.std.Printf("%s %s%s\n", a.Method, a.Host, a.URL.RequestURI())
		default:
			l.std.Printf("%+v\n", a)
		}
	}
}

func (l RollbarLogger) Debug(msg string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.send(rollbar.Debug, msg, args)
}

func (l RollbarLogger) Info(msg string, args ...interface{}) {
	l.send(rollbar.Info, msg, args)
}

func (l RollbarLogger) Warn(msg string, args ...interface{}) {
	l.send(rollbar.Warning, msg, args)
}

func (l RollbarLogger) Error(msg string, args ...interface{}) {
	l.send(rollbar.Error, msg, args)
}

func (l RollbarLogger) Fatal(msg string, args ...interface{}) {
	l.send(rollbar.Critical, msg, args)
	rollbar.Wait()
	l.std.Fatal(msg)
}
