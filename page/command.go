package page

import (
	"github.com/hazyhaar/prerender/navtrack"
	"github.com/hazyhaar/prerender/status"
)

// Command names understood by a page.
const (
	CmdQueryStatus = "queryStatus"
	CmdInsertRule  = "insertRule"
)

// Message names a page sends to the background.
const (
	MsgUpdate  = "update"
	MsgMetrics = "metrics"
)

// InsertRule asks the page to inject speculation rules.
type InsertRule struct {
	To     navtrack.Target `json:"to"`
	Site   string          `json:"site,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Manual bool            `json:"manual,omitempty"`
}

// Command is one background-to-page request.
type Command struct {
	Command string      `json:"command"`
	Insert  *InsertRule `json:"insert,omitempty"`
}

// Reply is the page's answer. Status is set for queryStatus; URLs lists the
// links warmed by insertRule.
type Reply struct {
	Status *status.Status `json:"status,omitempty"`
	URLs   []string       `json:"urls,omitempty"`
}
