package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/qiniu/remediator/internal/alerting/service/playbook"
)

func validate(w io.Writer, path string) error {
	pbs, err := playbook.LoadFile(path)
	if err != nil {
		var cerr *playbook.ConfigError
		if errors.As(err, &cerr) {
			fmt.Fprintf(w, "invalid: %s\n  at %s\n", cerr.Msg, cerr.Path())
		}
		return err
	}
	actions := 0
	for _, p := range pbs {
		actions += len(p.Actions)
	}
	fmt.Fprintf(w, "ok: %d playbooks, %d actions\n", len(pbs), actions)
	for _, p := range pbs {
		for i, t := range p.Triggers {
			if pa, ok := t.(*playbook.OnPrometheusAlert); ok && pa.Status == "" {
				fmt.Fprintf(w, "note: customPlaybooks[%d].triggers[%d] matches %s when it resolves too; set status: firing to skip resolutions\n",
					p.Index, i, pa.AlertName)
			}
		}
	}
	return nil
}
