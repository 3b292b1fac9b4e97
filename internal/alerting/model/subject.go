package model

// SubjectKind names the kind of Kubernetes object an alert is about.
type SubjectKind string

const (
	SubjectPod         SubjectKind = "pod"
	SubjectDeployment  SubjectKind = "deployment"
	SubjectDaemonSet   SubjectKind = "daemonset"
	SubjectStatefulSet SubjectKind = "statefulset"
	SubjectJob         SubjectKind = "job"
	SubjectNode        SubjectKind = "node"
	SubjectUnknown     SubjectKind = "none"
)

// Subject is the object an alert refers to, derived from well-known
// kube-state-metrics labels.
type Subject struct {
	Kind      SubjectKind
	Name      string
	Namespace string
	Node      string
}

// subjectLabels is ordered by precedence: the most specific object wins.
var subjectLabels = []struct {
	label string
	kind  SubjectKind
}{
	{"pod", SubjectPod},
	{"job_name", SubjectJob},
	{"deployment", SubjectDeployment},
	{"daemonset", SubjectDaemonSet},
	{"statefulset", SubjectStatefulSet},
	{"node", SubjectNode},
}

// Subject derives the alert subject. Kind is SubjectUnknown when no
// recognised label is present.
func (a *Alert) Subject() Subject {
	s := Subject{Kind: SubjectUnknown, Namespace: a.labels["namespace"], Node: a.labels["node"]}
	for _, sl := range subjectLabels {
		if v := a.labels[sl.label]; v != "" {
			s.Kind = sl.kind
			s.Name = v
			break
		}
	}
	return s
}
