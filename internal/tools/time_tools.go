package tools

import (
	"context"
	"time"
)

// RegisterTimeTools adds getCurrentTime. now may be nil for time.Now.
func RegisterTimeTools(r *Registry, loc *time.Location, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return r.Register(Descriptor{
		Name:        "getCurrentTime",
		Description: "Get the current local date and time.",
	}, func(context.Context, Args) (any, error) {
		return now().In(loc).Format("Monday, January 2, 2006 at 3:04 PM MST"), nil
	})
}
