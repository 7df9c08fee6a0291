package mailbox

type MessageID string
type LabelID string

// MessageRef is a list entry; it carries no metadata.
type MessageRef struct {
	ID       MessageID
	ThreadID string
}

// ListPage is one page of a cursor-paginated listing.
type ListPage struct {
	Refs         []MessageRef
	NextCursor   string
	SizeEstimate int // first page only; progress scaling, never termination
}

type Header struct {
	Name  string
	Value string
}

// Payload is a successful metadata response for one message. Headers keep
// the order and case the server returned them in.
type Payload struct {
	ID       MessageID
	ThreadID string
	Labels   []LabelID
	Headers  []Header
}
