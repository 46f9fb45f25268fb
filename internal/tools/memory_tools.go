package tools

import (
	"context"
	"errors"

	"github.com/nugget/aerie/internal/memory"
)

// Recaller reads a user's archived conversation for one day.
type Recaller interface {
	Recall(ctx context.Context, userID string, year, month, day int) ([]memory.Turn, error)
}

// RegisterMemoryTools adds conversation recall. The user is taken from
// the call context, so a model can only read its current user's past.
func RegisterMemoryTools(r *Registry, recaller Recaller) error {
	return r.Register(Descriptor{
		Name:        "recallConversation",
		Description: "Retrieve earlier conversation with this user from a specific date.",
		Params: []Param{
			{Name: "year", Type: TypeInteger, Required: true},
			{Name: "month", Type: TypeInteger, Description: "1-12", Required: true},
			{Name: "day", Type: TypeInteger, Required: true},
		},
	}, func(ctx context.Context, args Args) (any, error) {
		userID := UserIDFromContext(ctx)
		if userID == "" {
			return nil, errors.New("no user associated with this request")
		}
		turns, err := recaller.Recall(ctx, userID, args.Int("year"), args.Int("month"), args.Int("day"))
		if err != nil {
			return nil, err
		}
		if turns == nil {
			turns = []memory.Turn{}
		}
		return turns, nil
	})
}
