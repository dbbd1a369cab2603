package gerrit

// Structure definitions for gerrit stream events.

const (
	EventPatchsetCreated = "patchset-created"
	EventChangeRestored  = "change-restored"
	EventChangeAbandoned = "change-abandoned"
	EventTopicChanged    = "topic-changed"
)

// Change statuses as reported by both stream events and the REST API.
const (
	StatusNew       = "NEW"
	StatusMerged    = "MERGED"
	StatusAbandoned = "ABANDONED"
)

// Patch set kinds. NO_CODE_CHANGE and NO_CHANGE are trivial revisions.
const (
	KindRework                         = "REWORK"
	KindTrivialRebase                  = "TRIVIAL_REBASE"
	KindTrivialRebaseWithMessageUpdate = "TRIVIAL_REBASE_WITH_MESSAGE_UPDATE"
	KindMergeFirstParentUpdate         = "MERGE_FIRST_PARENT_UPDATE"
	KindNoCodeChange                   = "NO_CODE_CHANGE"
	KindNoChange                       = "NO_CHANGE"
)

type Approval struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Value       string `json:"value"`
	OldValue    string `json:"oldValue"`
}

type User struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

type PatchSet struct {
	Number         int      `json:"number"`
	Revision       string   `json:"revision"`
	Parents        []string `json:"parents"`
	Ref            string   `json:"ref"`
	Uploader       User     `json:"uploader"`
	CreatedOn      int      `json:"createdOn"`
	Author         User     `json:"author"`
	Kind           string   `json:"kind,omitempty"`
	SizeInsertions int      `json:"sizeInsertions,omitempty"`
	SizeDeletions  int      `json:"sizeDeletions,omitempty"`
}

// Trivial reports whether the patch set carries no new code relative to
// its predecessor.
func (p PatchSet) Trivial() bool {
	return p.Kind == KindNoCodeChange || p.Kind == KindNoChange
}

type Change struct {
	Project       string   `json:"project"`
	Branch        string   `json:"branch"`
	ID            string   `json:"id"`
	Number        int      `json:"number"`
	Subject       string   `json:"subject"`
	Owner         User     `json:"owner"`
	URL           string   `json:"url"`
	CommitMessage string   `json:"commitMessage"`
	CreatedOn     int      `json:"createdOn"`
	Status        string   `json:"status"`
	Wip           bool     `json:"wip,omitempty"`
	Topic         string   `json:"topic,omitempty"`
	Private       bool     `json:"private,omitempty"`
	Hashtags      []string `json:"hashtags,omitempty"`
}

// Open reports whether the change is still under review.
func (c Change) Open() bool {
	return c.Status == StatusNew
}

type RefUpdate struct {
	OldRev  string `json:"oldRev"`
	NewRev  string `json:"newRev"`
	RefName string `json:"refName"`
	Project string `json:"project"`
}

// Event represents a Gerrit event.
type Event struct {
	Abandoner      *User      `json:"abandoner,omitempty"`
	Uploader       *User      `json:"uploader,omitempty"`
	Submitter      *User      `json:"submitter,omitempty"`
	Changer        *User      `json:"changer,omitempty"`
	Editor         *User      `json:"editor,omitempty"`
	Restorer       *User      `json:"restorer,omitempty"`
	Approvals      []Approval `json:"approvals,omitempty"`
	Comment        string     `json:"comment,omitempty"`
	PatchSet       PatchSet   `json:"patchSet"`
	Change         Change     `json:"change"`
	Project        string     `json:"project"`
	RefName        string     `json:"refName"`
	RefUpdate      RefUpdate  `json:"refUpdate"`
	Type           string     `json:"type"`
	Reason         string     `json:"reason,omitempty"`
	EventCreatedOn int        `json:"eventCreatedOn"`
	OldTopic       string     `json:"oldTopic,omitempty"`
}

// Who returns the account that caused the event, or an empty User when the
// event does not name one.
func (e Event) Who() User {
	for _, u := range []*User{e.Uploader, e.Restorer, e.Abandoner, e.Changer, e.Editor, e.Submitter} {
		if u != nil {
			return *u
		}
	}
	return User{}
}
