// Package types holds the data model shared by the search-folder engine:
// search definitions, persisted result rows, change events and the
// interfaces of the collaborators the engine consumes.
package types

import "fmt"

// Status is the persisted state of a search folder.
type Status int

const (
	// StatusRunning is the default. It is stored as the absence of a
	// status record.
	StatusRunning Status = iota
	// StatusStopped marks a frozen search: no rebuild, events ignored.
	StatusStopped
	// StatusRebuilding marks a full scan in progress. A folder found in
	// this state at startup is rebuilt from scratch.
	StatusRebuilding
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusRebuilding:
		return "rebuilding"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus converts a persisted status marker back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "", "running":
		return StatusRunning, nil
	case "stopped":
		return StatusStopped, nil
	case "rebuilding":
		return StatusRebuilding, nil
	default:
		return StatusRunning, fmt.Errorf("unknown search status %q", s)
	}
}

// ChangeKind classifies a ChangeEvent.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Scope is the set of folders a search folder evaluates its restriction over.
type Scope struct {
	Folders   []int64 `bson:"folders" json:"folders"`
	Recursive bool    `bson:"recursive" json:"recursive"`
}

// SubRestriction is evaluated against the rows of a related table
// (recipients, attachments, ...). It holds for an object when any related
// row satisfies Expression.
type SubRestriction struct {
	Name       string `bson:"name" json:"name"`
	Relation   string `bson:"relation" json:"relation"`
	Expression string `bson:"expression" json:"expression"`
}

// Restriction is the predicate tree of a search definition, expressed in
// CEL over the variables obj and sub.
type Restriction struct {
	Expression string           `bson:"expression" json:"expression"`
	Subs       []SubRestriction `bson:"subs,omitempty" json:"subs,omitempty"`
}

// SearchDefinition is the immutable-until-redefined description of a
// search folder.
type SearchDefinition struct {
	Scope       Scope       `bson:"scope" json:"scope"`
	Restriction Restriction `bson:"restriction" json:"restriction"`
}

// InScope reports whether folderID is one of the configured scope folders.
// Descendants of recursive scopes are not considered here.
func (d *SearchDefinition) InScope(folderID int64) bool {
	for _, f := range d.Scope.Folders {
		if f == folderID {
			return true
		}
	}
	return false
}

// StoredSearch is a persisted search folder as read at startup.
type StoredSearch struct {
	StoreID    int64
	FolderID   int64
	Definition SearchDefinition
	Status     Status

	// Err is set when the persisted record could not be decoded. The ids
	// are valid; Definition and Status are not.
	Err error
}

// ResultRow records that ObjectID is currently a member of search folder
// FolderID.
type ResultRow struct {
	StoreID  int64
	FolderID int64
	ObjectID int64
	Unread   bool
}

// Counters are the item and unread counts of a folder.
type Counters struct {
	Items  int64
	Unread int64
}

// Add returns c shifted by the given deltas.
func (c Counters) Add(items, unread int64) Counters {
	return Counters{Items: c.Items + items, Unread: c.Unread + unread}
}

// ChangeEvent reports that an object in FolderID was added, modified or
// deleted. For deletes and moves, FolderID is the folder the object left.
type ChangeEvent struct {
	StoreID  int64      `json:"store_id"`
	FolderID int64      `json:"folder_id"`
	ObjectID int64      `json:"object_id"`
	Kind     ChangeKind `json:"kind"`
}

// ObjectFlags are the message bits that exclude an object from every search.
type ObjectFlags uint32

const (
	FlagSoftDeleted ObjectFlags = 1 << iota
	FlagAssociated
)

// Excluded reports whether an object with these flags can never be a
// search result.
func (f ObjectFlags) Excluded() bool {
	return f&(FlagSoftDeleted|FlagAssociated) != 0
}

// Properties are the property values of one object keyed by property name.
type Properties map[string]any

// PropRead is the property carrying the read flag of a message.
const PropRead = "read"

// Row is the property row of one object as returned by the object service.
type Row struct {
	ObjectID int64
	ParentID int64
	Flags    ObjectFlags
	Props    Properties

	// Err is set when the object's properties could not be read. Such a
	// row neither matches nor leaves a search.
	Err error
}

// Unread reports whether the row's read property is absent or false.
func (r *Row) Unread() bool {
	v, ok := r.Props[PropRead]
	if !ok {
		return true
	}
	read, ok := v.(bool)
	return !ok || !read
}
