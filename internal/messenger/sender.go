package messenger

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"pagecast/internal/contacts"
	"pagecast/internal/logger"
)

// ErrNoCredential means no send token exists for a page, even after
// refreshing the owner's pages from the provider.
var ErrNoCredential = errors.New("no page credential")

const firstNamePlaceholder = "{FirstName}"

type Provider interface {
	SendText(ctx context.Context, token, recipientID, text, tag string) error
	SendAttachment(ctx context.Context, token, recipientID, url, typ, tag string) error
	ListPages(ctx context.Context, userToken string) ([]PageInfo, error)
}

type PageStore interface {
	Credential(ctx context.Context, ownerID, pageID string) (string, error)
	Upsert(ctx context.Context, page contacts.Page) error
}

// TokenSource yields an owner's long-lived provider credential.
type TokenSource interface {
	ProviderToken(ctx context.Context, ownerID string) (string, error)
}

type Attachment struct {
	URL  string
	Type string
}

type Message struct {
	Text       string
	Attachment *Attachment
	Tag        string
}

// Outcome of one delivery. Duplicate is set when the provider reports the
// message as already delivered.
type Outcome struct {
	Delivered bool
	Duplicate bool
	Reason    string
}

type Sender struct {
	Provider   Provider
	Pages      PageStore
	Tokens     TokenSource
	DefaultTag string
	Log        *logger.Logger
}

// Credential returns the send token for a page. When none is stored it
// refreshes the owner's pages once using the owner's long-lived token.
func (s *Sender) Credential(ctx context.Context, ownerID, pageID string) (string, error) {
	tok, err := s.Pages.Credential(ctx, ownerID, pageID)
	if err != nil {
		return "", fmt.Errorf("load page credential: %w", err)
	}
	if tok != "" {
		return tok, nil
	}
	if s.Tokens == nil {
		return "", ErrNoCredential
	}

	userTok, err := s.Tokens.ProviderToken(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("load owner token: %w", err)
	}
	if userTok == "" {
		return "", ErrNoCredential
	}

	pages, err := s.Provider.ListPages(ctx, userTok)
	if err != nil {
		return "", fmt.Errorf("%w: refresh pages: %v", ErrNoCredential, err)
	}
	for _, p := range pages {
		if err := s.Pages.Upsert(ctx, contacts.Page{ID: p.ID, OwnerID: ownerID, Name: p.Name, AccessToken: p.AccessToken}); err != nil {
			s.log().WithError(err).WithField(logger.FieldPageID, p.ID).Warn("store refreshed page failed")
		}
		if p.ID == pageID && p.AccessToken != "" {
			tok = p.AccessToken
		}
	}
	if tok == "" {
		return "", ErrNoCredential
	}
	return tok, nil
}

// Send delivers the attachment (if any) and then the personalised text. An
// attachment failure is logged and does not block the text.
func (s *Sender) Send(ctx context.Context, token string, c contacts.Contact, m Message) Outcome {
	tag := m.Tag
	if tag == "" {
		tag = s.DefaultTag
	}

	if a := m.Attachment; a != nil && a.URL != "" {
		if err := s.Provider.SendAttachment(ctx, token, c.PSID, a.URL, AttachmentType(a.Type, a.URL), tag); err != nil {
			s.log().WithError(err).WithField("contact", c.Key()).Warn("attachment send failed")
		}
	}

	if err := s.Provider.SendText(ctx, token, c.PSID, Personalize(m.Text, c), tag); err != nil {
		reason := err.Error()
		var pe *ProviderError
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		return Outcome{Reason: reason, Duplicate: IsDuplicateDelivery(reason)}
	}
	return Outcome{Delivered: true}
}

func (s *Sender) log() *logger.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logger.Default()
}

// Personalize substitutes {FirstName}.
func Personalize(text string, c contacts.Contact) string {
	if !strings.Contains(text, firstNamePlaceholder) {
		return text
	}
	return strings.ReplaceAll(text, firstNamePlaceholder, c.FirstName())
}

// IsDuplicateDelivery reports whether a failure reason says the message had
// already reached the recipient.
func IsDuplicateDelivery(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "already sent") ||
		strings.Contains(r, "already delivered") ||
		strings.Contains(r, "duplicate message")
}

// AttachmentType returns typ when the provider knows it, otherwise a guess
// from the URL's extension.
func AttachmentType(typ, url string) string {
	switch t := strings.ToLower(strings.TrimSpace(typ)); t {
	case "image", "video", "audio", "file":
		return t
	}
	ext := strings.ToLower(path.Ext(strings.SplitN(url, "?", 2)[0]))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return "image"
	case ".mp4", ".mov", ".webm":
		return "video"
	case ".mp3", ".wav", ".ogg", ".m4a":
		return "audio"
	}
	return "file"
}
