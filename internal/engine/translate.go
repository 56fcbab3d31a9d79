package engine

import (
	"encoding/json"
	"fmt"
)

// message is the envelope the engine sends on both stream transports.
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type messageData struct {
	PromptID string `json:"prompt_id"`
	// Node is null on the final executing message of a job.
	Node   *string  `json:"node"`
	Nodes  []string `json:"nodes"`
	Value  float64  `json:"value"`
	Max    float64  `json:"max"`
	Output *struct {
		Images []Artifact `json:"images"`
		Gifs   []Artifact `json:"gifs"`
		Videos []Artifact `json:"videos"`
	} `json:"output"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionType    string `json:"exception_type"`
	ExceptionMessage string `json:"exception_message"`
}

// translator turns raw engine messages for one job into events. It blends
// node-level and step-level progress: each finished node counts as one unit,
// and the running node contributes value/max of a unit.
type translator struct {
	token     Token
	total     int
	executed  map[string]struct{}
	current   string
	step      float64
	artifacts []Artifact
	finished  bool
	// onFinish, if set, runs once when the terminal event is produced.
	onFinish func()
}

func newTranslator(token Token, totalNodes int) *translator {
	return &translator{token: token, total: totalNodes, executed: make(map[string]struct{})}
}

// translate returns the event for m, if any. Once a terminal event has been
// returned every later message is ignored.
func (t *translator) translate(m message) (Event, bool) {
	if t.finished {
		return Event{}, false
	}
	var d messageData
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &d); err != nil {
			return Event{}, false
		}
	}
	// Messages without a prompt id come from engines that only run one job
	// per client; they are accepted.
	if d.PromptID != "" && Token(d.PromptID) != t.token {
		return Event{}, false
	}

	switch m.Type {
	case "execution_cached":
		for _, n := range d.Nodes {
			t.executed[n] = struct{}{}
		}
		return t.progress(EventProgress, "using cached results"), true
	case "executing":
		if t.current != "" {
			t.executed[t.current] = struct{}{}
		}
		if d.Node == nil {
			return t.finish(EventCompleted, "", nil), true
		}
		t.current, t.step = *d.Node, 0
		return t.progress(EventExecuting, fmt.Sprintf("executing node %s", t.current)), true
	case "progress":
		if d.Max > 0 {
			t.step = min(max(d.Value/d.Max, 0), 1)
		}
		return t.progress(EventProgress, fmt.Sprintf("step %g/%g", d.Value, d.Max)), true
	case "executed":
		if d.Output != nil {
			for _, group := range [][]Artifact{d.Output.Images, d.Output.Gifs, d.Output.Videos} {
				for _, a := range group {
					a.NodeID = d.producer()
					t.artifacts = append(t.artifacts, a)
				}
			}
		}
		return Event{}, false
	case "execution_success":
		return t.finish(EventCompleted, "", nil), true
	case "execution_error":
		err := fmt.Errorf("%w: node %s (%s): %s: %s", ErrExecution, d.NodeID, d.NodeType, d.ExceptionType, d.ExceptionMessage)
		return t.finish(EventFailed, d.ExceptionMessage, err), true
	case "execution_interrupted":
		return t.finish(EventInterrupted, "interrupted", nil), true
	}
	return Event{}, false
}

func (t *translator) progress(kind EventKind, msg string) Event {
	return Event{Kind: kind, Progress: t.fraction(), Message: msg}
}

func (t *translator) fraction() float64 {
	if t.total <= 0 {
		return t.step
	}
	done := len(t.executed)
	if _, ok := t.executed[t.current]; ok || t.current == "" {
		return min(float64(done)/float64(t.total), 1)
	}
	return min((float64(done)+t.step)/float64(t.total), 1)
}

func (t *translator) finish(kind EventKind, msg string, err error) Event {
	t.finished = true
	if t.onFinish != nil {
		t.onFinish()
	}
	ev := Event{Kind: kind, Message: msg, Err: err}
	if kind == EventCompleted {
		ev.Progress = 1
		if len(t.artifacts) > 0 {
			a := t.artifacts[0]
			ev.Artifact = &a
		}
	} else {
		ev.Progress = t.fraction()
	}
	return ev
}

// producer returns the node id reported with an executed message. Engines
// put it in "node" or "node_id" depending on version.
func (d messageData) producer() string {
	if d.Node != nil {
		return *d.Node
	}
	return d.NodeID
}
