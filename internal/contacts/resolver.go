package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrNoContactsFound is returned when resolution yields nothing to send to.
var ErrNoContactsFound = errors.New("no contacts found")

const DefaultBatchSize = 200

// Finder is the lookup half of the contact directory.
type Finder interface {
	FindByKeys(ctx context.Context, ownerID string, space Space, keys []string) ([]Contact, error)
}

type Resolver struct {
	Contacts  Finder
	BatchSize int
}

type Request struct {
	OwnerID string
	IDs     []json.RawMessage
	// ExcludeDeliveredFor drops contacts already marked delivered by this job.
	ExcludeDeliveredFor string
}

type Resolution struct {
	Contacts []Contact
	Groups   []Group
	// Unparsed counts identifiers that could not be normalized.
	Unparsed int
	// Excluded holds contacts dropped as already delivered by the job.
	Excluded []Contact
}

// Resolve turns requested identifiers into deduplicated contacts grouped by
// page, preserving request order.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	res := &Resolution{}

	refs := make([]Ref, 0, len(req.IDs))
	var dbKeys, providerKeys []string
	seenDB, seenProvider := map[string]struct{}{}, map[string]struct{}{}
	for _, raw := range req.IDs {
		ref, ok := ParseRef(raw)
		if !ok {
			res.Unparsed++
			continue
		}
		refs = append(refs, ref)
		if ref.Space != SpaceProvider {
			if _, dup := seenDB[ref.Key]; !dup {
				seenDB[ref.Key] = struct{}{}
				dbKeys = append(dbKeys, ref.Key)
			}
		}
		if ref.Space != SpaceDatabase {
			if _, dup := seenProvider[ref.Key]; !dup {
				seenProvider[ref.Key] = struct{}{}
				providerKeys = append(providerKeys, ref.Key)
			}
		}
	}
	if len(refs) == 0 {
		return nil, ErrNoContactsFound
	}

	var byID, byPSID []Contact
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		byID, err = r.lookup(gctx, req.OwnerID, SpaceDatabase, dbKeys)
		return err
	})
	g.Go(func() (err error) {
		byPSID, err = r.lookup(gctx, req.OwnerID, SpaceProvider, providerKeys)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve contacts: %w", err)
	}

	idIndex := make(map[string]Contact, len(byID))
	for _, c := range byID {
		idIndex[c.ID] = c
	}
	psidIndex := make(map[string][]Contact, len(byPSID))
	for _, c := range byPSID {
		psidIndex[c.PSID] = append(psidIndex[c.PSID], c)
	}

	var merged []Contact
	for _, ref := range refs {
		if ref.Space != SpaceProvider {
			if c, ok := idIndex[ref.Key]; ok {
				merged = append(merged, c)
			}
		}
		if ref.Space != SpaceDatabase {
			merged = append(merged, psidIndex[ref.Key]...)
		}
	}

	merged = Dedupe(merged)
	if req.ExcludeDeliveredFor != "" {
		kept := merged[:0]
		for _, c := range merged {
			if c.LastSendStatus == MarkerDelivered && c.LastSendJobID == req.ExcludeDeliveredFor {
				res.Excluded = append(res.Excluded, c)
				continue
			}
			kept = append(kept, c)
		}
		merged = kept
	}
	if len(merged) == 0 && len(res.Excluded) == 0 {
		return nil, ErrNoContactsFound
	}

	res.Contacts = merged
	res.Groups = GroupByPage(merged)
	return res, nil
}

func (r *Resolver) lookup(ctx context.Context, ownerID string, space Space, keys []string) ([]Contact, error) {
	size := r.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out []Contact
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		found, err := r.Contacts.FindByKeys(ctx, ownerID, space, keys[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}
