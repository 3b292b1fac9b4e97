package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/remediator/internal/alerting/service/playbook"
)

type triggerView struct {
	Kind      string            `json:"kind"`
	AlertName string            `json:"alertName,omitempty"`
	Status    string            `json:"status,omitempty"`
	Match     map[string]string `json:"match,omitempty"`
	Aliases   map[string]string `json:"aliases,omitempty"`
	Selector  string            `json:"selector,omitempty"`
}

type envVarView struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
	// Secret is the reference only; values are never read.
	Secret string `json:"secret,omitempty"`
}

type actionView struct {
	Kind              string       `json:"kind"`
	Name              string       `json:"name,omitempty"`
	Namespace         string       `json:"namespace,omitempty"`
	Image             string       `json:"image,omitempty"`
	Command           []string     `json:"command,omitempty"`
	Notify            bool         `json:"notify"`
	WaitForCompletion bool         `json:"waitForCompletion"`
	CompletionTimeout float64      `json:"completionTimeoutSeconds,omitempty"`
	EnvVars           []envVarView `json:"envVars,omitempty"`
}

type playbookView struct {
	Index    int           `json:"index"`
	Name     string        `json:"name"`
	Triggers []triggerView `json:"triggers"`
	Actions  []actionView  `json:"actions"`
}

type playbooksResponse struct {
	Source    string         `json:"source"`
	LoadedAt  time.Time      `json:"loadedAt"`
	Playbooks []playbookView `json:"playbooks"`
}

func playbookToView(p *playbook.Playbook) playbookView {
	v := playbookView{Index: p.Index, Name: p.DisplayName(), Triggers: []triggerView{}, Actions: []actionView{}}
	for _, t := range p.Triggers {
		tv := triggerView{Kind: t.Kind()}
		switch t := t.(type) {
		case *playbook.OnPrometheusAlert:
			tv.AlertName, tv.Status = t.AlertName, string(t.Status)
		case *playbook.OnAlertLabels:
			tv.AlertName, tv.Match, tv.Aliases = t.AlertName, t.Match, t.Aliases
			tv.Selector = t.Selector()
		}
		v.Triggers = append(v.Triggers, tv)
	}
	for _, act := range p.Actions {
		av := actionView{Kind: act.Kind()}
		if job, ok := act.(*playbook.RunJobFromAlert); ok {
			av.Name, av.Namespace, av.Image, av.Command = job.Name, job.Namespace, job.Image, job.Command
			av.Notify, av.WaitForCompletion = job.Notify, job.WaitForCompletion
			av.CompletionTimeout = job.CompletionTimeout.Seconds()
			for _, ev := range job.EnvVars {
				e := envVarView{Name: ev.Name, Value: ev.Value}
				if ev.SecretRef != nil {
					e.Value, e.Secret = "", ev.SecretRef.String()
				}
				av.EnvVars = append(av.EnvVars, e)
			}
		}
		v.Actions = append(v.Actions, av)
	}
	return v
}

// ListPlaybooks implements GET /v1/playbooks.
func (a *Api) ListPlaybooks(c *gin.Context) {
	s := a.Registry.Snapshot()
	resp := playbooksResponse{Source: s.Source, LoadedAt: s.LoadedAt, Playbooks: []playbookView{}}
	for _, p := range s.Playbooks {
		resp.Playbooks = append(resp.Playbooks, playbookToView(p))
	}
	c.JSON(http.StatusOK, resp)
}

// ReloadPlaybooks implements POST /v1/playbooks/reload. A broken file leaves
// the running rule set untouched and is reported with its field path.
func (a *Api) ReloadPlaybooks(c *gin.Context) {
	if a.PlaybooksFile == "" {
		writeError(c, http.StatusConflict, "NOT_CONFIGURED", "no playbooks file configured")
		return
	}
	err := a.Registry.Reload(a.PlaybooksFile)
	if a.OnReload != nil {
		a.OnReload(err)
	}
	if err != nil {
		var cerr *playbook.ConfigError
		if errors.As(err, &cerr) {
			c.JSON(http.StatusUnprocessableEntity, map[string]any{"error": map[string]any{
				"code":    "INVALID_PLAYBOOKS",
				"message": cerr.Error(),
				"path":    cerr.Path(),
			}})
			return
		}
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	s := a.Registry.Snapshot()
	c.JSON(http.StatusOK, map[string]any{"playbooks": len(s.Playbooks), "loadedAt": s.LoadedAt})
}
