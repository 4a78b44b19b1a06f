package contacts

import (
	"strings"
	"time"
)

// Send marker values recorded on contacts by scheduled broadcasts.
const (
	MarkerDelivered = "delivered"
	MarkerNone      = ""
)

// Contact is a recipient reachable through one page. IDs are unique per
// owner. PSID is the provider-assigned key and may be empty for contacts
// imported without one.
type Contact struct {
	ID             string `gorm:"primaryKey;size:64"`
	OwnerID        string `gorm:"primaryKey;index;size:36"`
	PageID         string `gorm:"index;size:64;not null"`
	PSID           string `gorm:"column:psid;size:64;not null;default:''"`
	Name           string `gorm:"size:255;not null;default:''"`
	LastSendStatus string `gorm:"size:16;not null;default:''"`
	LastSendJobID  string `gorm:"size:36;not null;default:''"`
	LastSentAt     *time.Time
	CreatedAt      time.Time `gorm:"not null"`
}

// Key is the stable dedupe key: the provider key when known, otherwise a
// synthetic key derived from the database key.
func (c Contact) Key() string {
	if c.PSID != "" {
		return c.PSID
	}
	return "db:" + c.ID
}

func (c Contact) HasProviderKey() bool { return c.PSID != "" }

// FirstName is the first word of the display name, or "there".
func (c Contact) FirstName() string {
	f := strings.Fields(c.Name)
	if len(f) == 0 {
		return "there"
	}
	return f[0]
}

// Page is a paged account the owner can message from.
type Page struct {
	ID          string    `gorm:"primaryKey;size:64"`
	OwnerID     string    `gorm:"primaryKey;index;size:36"`
	Name        string    `gorm:"size:255;not null;default:''"`
	AccessToken string    `gorm:"type:text;not null;default:''"`
	UpdatedAt   time.Time `gorm:"not null"`
}

// Group is the set of contacts that share one page.
type Group struct {
	PageID   string
	Contacts []Contact
}

// GroupByPage keeps first-appearance order of pages and of contacts within a page.
func GroupByPage(cs []Contact) []Group {
	idx := map[string]int{}
	var out []Group
	for _, c := range cs {
		i, ok := idx[c.PageID]
		if !ok {
			i = len(out)
			idx[c.PageID] = i
			out = append(out, Group{PageID: c.PageID})
		}
		out[i].Contacts = append(out[i].Contacts, c)
	}
	return out
}

// Dedupe drops contacts whose Key was already seen; first occurrence wins.
func Dedupe(cs []Contact) []Contact {
	seen := make(map[string]struct{}, len(cs))
	out := make([]Contact, 0, len(cs))
	for _, c := range cs {
		k := c.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}
