package audit

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Item kinds in a display entry
const (
	ItemField      = "field"
	ItemAttachment = "attachment"
	ItemComment    = "comment"
	ItemLifecycle  = "lifecycle"
)

// Entry is one audit record projected for display
type Entry struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	ActorID      *int64    `json:"actor_id,omitempty"`
	OperatorName string    `json:"operator_name"`
	Action       Action    `json:"action"`
	Items        []Item    `json:"items"`
}

// Item is one human-readable change within an entry
type Item struct {
	Type        string  `json:"type"`
	Field       string  `json:"field"`
	FieldKey    string  `json:"field_key,omitempty"`
	Old         *string `json:"old"`
	New         *string `json:"new"`
	Action      string  `json:"action"`
	Description string  `json:"description,omitempty"`
}

// Formatter projects records into display entries
type Formatter struct{}

// Format turns rec into a display entry. fieldFilter, when set, keeps only
// items for that field, or only attachment or comment items for those
// names. It returns nil when no item remains.
func (Formatter) Format(rec *Record, fieldFilter string) *Entry {
	entry := &Entry{
		ID:           rec.ID,
		Timestamp:    rec.CreatedAt,
		ActorID:      rec.ActorID,
		OperatorName: rec.ActorName,
		Action:       rec.Action,
	}

	entry.Items = append(entry.Items, fieldItems(rec.Details.Diff, fieldFilter)...)

	if fieldFilter == "" || fieldFilter == CategoryAttachment {
		entry.Items = append(entry.Items, attachmentItems(rec)...)
	}

	if (fieldFilter == "" || fieldFilter == CategoryComment) && strings.Contains(strings.ToLower(rec.Summary), commentMarker) {
		entry.Items = append(entry.Items, Item{
			Type:        ItemComment,
			Field:       "Comment",
			Old:         str(""),
			New:         str("New Comment"),
			Action:      "Added",
			Description: "Added a comment",
		})
	}

	if fieldFilter == "" && len(entry.Items) == 0 {
		switch rec.Action {
		case ActionCreate:
			entry.Items = append(entry.Items, lifecycleItem("Created", rec.TargetType))
		case ActionDelete:
			entry.Items = append(entry.Items, lifecycleItem("Deleted", rec.TargetType))
		}
	}

	if len(entry.Items) == 0 {
		return nil
	}
	return entry
}

// FormatAll formats records, dropping those without items
func (f Formatter) FormatAll(records []*Record, fieldFilter string) []*Entry {
	entries := make([]*Entry, 0, len(records))
	for _, rec := range records {
		if e := f.Format(rec, fieldFilter); e != nil {
			entries = append(entries, e)
		}
	}
	return entries
}

func fieldItems(diff Diff, fieldFilter string) []Item {
	if len(diff) == 0 {
		return nil
	}

	keys := make([]string, 0, len(diff))
	switch fieldFilter {
	case "", CategoryAttachment, CategoryComment:
		for k := range diff {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	default:
		if _, ok := diff[fieldFilter]; ok {
			keys = append(keys, fieldFilter)
		}
	}

	items := make([]Item, 0, len(keys))
	for _, key := range keys {
		change := diff[key]
		label := change.VerboseName
		if label == "" {
			label = key
		}
		item := Item{Type: ItemField, Field: label, FieldKey: key}

		if change.IsRelation() {
			values := strings.Join(change.Values, ", ")
			item.Action = string(change.Action)
			switch change.Action {
			case RelationRemoved:
				item.Old = &values
			case RelationAdded:
				item.New = &values
			}
		} else {
			item.Action = "changed"
			item.Old = display(change.Old)
			item.New = display(change.New)
		}
		items = append(items, item)
	}
	return items
}

func attachmentItems(rec *Record) []Item {
	d := rec.Details
	isAttachmentDelete := rec.Action == ActionDelete && (d.Type == "attachment" || d.Filename != "")
	if rec.Action != ActionUpload && !isAttachmentDelete && !d.HasAttachmentActions() {
		return nil
	}

	filename := d.Filename
	if filename == "" {
		filename = "Unknown File"
	}

	switch {
	case rec.Action == ActionUpload:
		return []Item{{
			Type:        ItemAttachment,
			Field:       "Attachment",
			Action:      "Added",
			New:         str(filename),
			Description: "Uploaded " + filename,
		}}
	case isAttachmentDelete:
		return []Item{{
			Type:        ItemAttachment,
			Field:       "Attachment",
			Action:      "Removed",
			Old:         str(filename),
			Description: "Deleted " + filename,
		}}
	}

	var items []Item
	for _, act := range d.AttachmentActions {
		switch act {
		case "rename":
			oldName, newName := filename, filename
			if rename := d.Changes["rename"]; rename != nil {
				if v, ok := rename["old"].(string); ok {
					oldName = v
				}
				if v, ok := rename["new"].(string); ok {
					newName = v
				}
			}
			items = append(items, Item{
				Type:        ItemAttachment,
				Field:       "Attachment (Rename)",
				Action:      "Rename",
				Old:         str(oldName),
				New:         str(newName),
				Description: fmt.Sprintf("Renamed %s to %s", oldName, newName),
			})
		case "update_file":
			items = append(items, Item{
				Type:        ItemAttachment,
				Field:       "Attachment (Update)",
				Action:      "Update",
				Old:         str(filename + " (Old)"),
				New:         str(filename + " (New)"),
				Description: "Updated content of " + filename,
			})
		}
	}
	return items
}

func lifecycleItem(verb, targetType string) Item {
	return Item{
		Type:        ItemLifecycle,
		Field:       "Lifecycle",
		Action:      verb,
		Old:         str(""),
		New:         str(verb),
		Description: verb + " " + targetType,
	}
}

func display(v interface{}) *string {
	if v == nil {
		return nil
	}
	s := plain(v)
	return &s
}

func str(s string) *string {
	return &s
}
