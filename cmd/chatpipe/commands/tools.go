package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/mintlabs/chatpipe/pkg/llm"
)

type emptyArgs struct{}

// builtinTools registers the local tools every session gets: current
// time and date lookups. Outputs use the TOOL_RESULT line format the
// trace summarizer understands.
func builtinTools() *llm.Registry {
	r := llm.NewRegistry()

	r.Register(llm.MustNewFuncTool("get_current_time",
		"Returns the current local time.",
		func(ctx context.Context, _ emptyArgs) (string, error) {
			now := time.Now()
			return fmt.Sprintf("TOOL_RESULT: get_current_time\nlocal_time: %s\ntimezone: %s",
				now.Format("2006-01-02 15:04:05"), now.Format("MST")), nil
		}))
	r.Register(llm.MustNewFuncTool("get_current_date",
		"Returns today's date and weekday.",
		func(ctx context.Context, _ emptyArgs) (string, error) {
			now := time.Now()
			return fmt.Sprintf("TOOL_RESULT: get_current_date\ndate: %s\nweekday: %s",
				now.Format("2006-01-02"), now.Weekday()), nil
		}))

	r.Alias("time", "get_current_time")
	r.Alias("current_time", "get_current_time")
	r.Alias("date", "get_current_date")
	r.Alias("current_date", "get_current_date")

	return r
}
