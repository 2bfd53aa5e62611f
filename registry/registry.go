// Package registry creates members and keeps the secondary indices
// consistent with the member records.
//
// Registration claims every unique attribute in the index before the
// member record is written, and releases the claims again if a later
// step fails.  A crash between the two leaves index entries that point
// at a missing member, or members whose attributes are not indexed;
// Reconcile finds and repairs both.
package registry

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/monoline/db"
	"github.com/t7a/monoline/index"
	"github.com/t7a/monoline/ledger"
)

var (
	ErrSponsorNotFound = errors.New("sponsor not found")
	ErrMemberExists    = errors.New("member already exists")
	ErrInvalid         = errors.New("invalid registration")
)

// codeAttempts bounds how often a generated code is redrawn after a
// collision.
const codeAttempts = 5

// Index is the unique-key index registration writes through.
// *index.Manager implements it.
type Index interface {
	Lookup(ctx context.Context, ns index.Namespace, key string) (string, bool, error)
	InsertUnique(ctx context.Context, ns index.Namespace, key, id string) error
	Remove(ctx context.Context, ns index.Namespace, key string) error
	RemoveIf(ctx context.Context, ns index.Namespace, key, id string) error
	Snapshot(ctx context.Context, ns index.Namespace) (map[string]string, error)
}

// Registration is a request to create one member.  Either SponsorID
// or SponsorCode may name the sponsor; both empty makes the member a
// top of chain.  ID, ReferralCode and MemberID are generated when
// empty.
type Registration struct {
	ID           string `json:"id,omitempty" validate:"omitempty,max=200"`
	Email        string `json:"email" validate:"required,email"`
	Phone        string `json:"phone" validate:"required,e164"`
	SponsorID    string `json:"sponsorId,omitempty"`
	SponsorCode  string `json:"sponsorCode,omitempty"`
	ReferralCode string `json:"referralCode,omitempty" validate:"omitempty,max=64"`
	MemberID     string `json:"memberId,omitempty" validate:"omitempty,max=64"`
}

var validate = validator.New()

// Registry registers members against one store.
type Registry struct {
	Db     *db.Db
	Index  Index
	Ledger *ledger.Ledger
	Clock  func() time.Time
}

// New returns a Registry over store, its index and its ledger.
func New(store *db.Db, idx Index, l *ledger.Ledger) *Registry {
	return &Registry{Db: store, Index: idx, Ledger: l}
}

func (r *Registry) now() time.Time {
	if r.Clock == nil {
		return time.Now().UTC()
	}
	return r.Clock()
}

type claim struct {
	ns  index.Namespace
	key string
}

// Register validates reg, claims its unique attributes and writes the
// new member.  A taken email, phone, referral code or member id fails
// with index.ErrConflict and leaves nothing behind.
func (r *Registry) Register(ctx context.Context, reg Registration) (m *db.Member, err error) {
	err = validate.Struct(reg)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "%v", err)
	}

	sponsorID, err := r.sponsor(ctx, reg)
	if err != nil {
		return
	}

	id := reg.ID
	if id == "" {
		id = uuid.NewString()
	}
	err = db.ValidKey(id)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "id: %v", err)
	}
	if id == sponsorID {
		return nil, errors.Wrapf(ErrInvalid, "member %s cannot sponsor itself", id)
	}
	_, err = r.Db.Get(ctx, id)
	if err == nil {
		return nil, errors.Wrapf(ErrMemberExists, "%s", id)
	}
	if !errors.Is(err, db.ErrNotFound) {
		return
	}

	m = &db.Member{
		ID:        id,
		SponsorID: sponsorID,
		Email:     index.Normalize(index.Email, reg.Email),
		Phone:     index.Normalize(index.Phone, reg.Phone),
		Active:    true,
		CreatedAt: r.now(),
	}

	var claims []claim
	release := func() {
		for _, c := range claims {
			rerr := r.Index.RemoveIf(ctx, c.ns, c.key, id)
			if rerr != nil {
				log.Warnf("releasing %s %q for %s: %v", c.ns, c.key, id, rerr)
			}
		}
	}

	for _, ns := range []index.Namespace{index.Email, index.Phone} {
		key := m.Email
		if ns == index.Phone {
			key = m.Phone
		}
		err = r.Index.InsertUnique(ctx, ns, key, id)
		if err != nil {
			release()
			return nil, err
		}
		claims = append(claims, claim{ns, key})
	}

	m.ReferralCode, err = r.claimCode(ctx, index.ReferralCode, reg.ReferralCode, ReferralPrefix, id)
	if err != nil {
		release()
		return nil, err
	}
	claims = append(claims, claim{index.ReferralCode, m.ReferralCode})

	m.MemberID, err = r.claimCode(ctx, index.MemberID, reg.MemberID, MemberPrefix, id)
	if err != nil {
		release()
		return nil, err
	}
	claims = append(claims, claim{index.MemberID, m.MemberID})

	err = r.Db.PutWithVersion(ctx, id, m, 0)
	if errors.Is(err, db.ErrStaleVersion) {
		err = errors.Wrapf(ErrMemberExists, "%s", id)
	}
	if err != nil {
		release()
		return nil, err
	}
	log.WithFields(log.Fields{"member": id, "sponsor": sponsorID}).Info("member registered")
	return
}

// claimCode binds want, or a freshly generated code if want is empty,
// to id in ns.
func (r *Registry) claimCode(ctx context.Context, ns index.Namespace, want, prefix, id string) (code string, err error) {
	if want != "" {
		code = index.Normalize(ns, want)
		err = db.ValidKey(code)
		if err != nil {
			return "", errors.Wrapf(ErrInvalid, "%s: %v", ns, err)
		}
		return code, r.Index.InsertUnique(ctx, ns, code, id)
	}
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err = GenerateCode(prefix)
		if err != nil {
			return
		}
		err = r.Index.InsertUnique(ctx, ns, code, id)
		if !errors.Is(err, index.ErrConflict) {
			return
		}
		log.Debugf("generated %s %s collided, drawing again", ns, code)
	}
	return "", err
}

func (r *Registry) sponsor(ctx context.Context, reg Registration) (id string, err error) {
	id = reg.SponsorID
	if id == "" && reg.SponsorCode != "" {
		var found bool
		id, found, err = r.Index.Lookup(ctx, index.ReferralCode, reg.SponsorCode)
		if err != nil {
			return
		}
		if !found {
			return "", errors.Wrapf(ErrSponsorNotFound, "referral code %s", reg.SponsorCode)
		}
	}
	if id == "" {
		return
	}
	_, err = r.Db.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return "", errors.Wrapf(ErrSponsorNotFound, "%s", id)
	}
	return
}

// Deactivate clears a member's active flag.  The member keeps its
// index entries and ledger history.
func (r *Registry) Deactivate(ctx context.Context, id string) (m *db.Member, err error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		m, err = r.Db.Get(ctx, id)
		if err != nil {
			return
		}
		if !m.Active {
			return
		}
		m.Active = false
		err = r.Db.PutWithVersion(ctx, id, m, m.Version)
		if !errors.Is(err, db.ErrStaleVersion) {
			return
		}
	}
	return
}
