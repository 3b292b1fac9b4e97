package matcher

import (
	"github.com/qiniu/remediator/internal/alerting/model"
	"github.com/qiniu/remediator/internal/alerting/service/playbook"
)

// Source yields the playbooks whose triggers accept an alert, in
// configuration order. *playbook.Registry and *playbook.Snapshot satisfy it.
type Source interface {
	Match(a *model.Alert) []*playbook.Playbook
}

// Match is one action selected for execution.
type Match struct {
	Playbook    *playbook.Playbook
	Action      playbook.Action
	ActionIndex int
}

// Evaluate flattens the matching playbooks into the ordered list of actions
// to run: playbooks in source order, each playbook's actions in list order.
func Evaluate(a *model.Alert, src Source) []Match {
	if a == nil || src == nil {
		return nil
	}
	var out []Match
	for _, pb := range src.Match(a) {
		for i, act := range pb.Actions {
			out = append(out, Match{Playbook: pb, Action: act, ActionIndex: i})
		}
	}
	return out
}
