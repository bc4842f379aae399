package backup

import (
	"context"

	"github.com/tidwall/gjson"
)

// Monitor is the subset of *monitor.Client the orchestrator depends
// on. It is a strict superset of qmpops's internal caller interface,
// so a Monitor value satisfies every qmpops function's argument
// requirement by structural typing alone.
type Monitor interface {
	Command(name string, arguments string) (gjson.Result, error)
	Raw(doc string) (gjson.Result, error)
	WaitForEvent(ctx context.Context, kind string, pred func(gjson.Result) bool) (gjson.Result, error)
	Close() error
}
