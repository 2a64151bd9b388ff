package catalog

import (
	"slices"

	"github.com/desertthunder/tracksync/internal/models"
)

// Field names a patchable item field.
type Field string

const (
	FieldState       Field = "state"
	FieldLock        Field = "lock"
	FieldArtifacts   Field = "artifacts"
	FieldFingerprint Field = "fingerprint"
	FieldError       Field = "error"
	FieldAttempts    Field = "attempts"
	FieldCompleted   Field = "completed"
	FieldRedirect    Field = "redirect_target"
	FieldDeadLetter  Field = "dead_letter"
	FieldSignals     Field = "signals"
	FieldRating      Field = "rating"
)

// Patch is a set of field writes applied to one item, optionally guarded by a [Condition].
//
// Values are held in an item-shaped scratch record so stores read them with their real types.
type Patch struct {
	fields []Field
	values models.CatalogItem
	cond   *Condition
}

// NewPatch returns an empty patch.
func NewPatch() *Patch {
	return &Patch{}
}

func (p *Patch) mark(f Field) {
	if !slices.Contains(p.fields, f) {
		p.fields = append(p.fields, f)
	}
}

// SetState writes the processing state.
func (p *Patch) SetState(s models.ProcessingState) *Patch {
	p.values.State = s
	p.mark(FieldState)
	return p
}

// SetLock writes the lease; nil clears it.
func (p *Patch) SetLock(tok *models.LockToken) *Patch {
	if tok != nil {
		t := *tok
		tok = &t
	}
	p.values.Lock = tok
	p.mark(FieldLock)
	return p
}

// SetArtifacts replaces the artifact references.
func (p *Patch) SetArtifacts(refs []models.ArtifactRef) *Patch {
	p.values.Artifacts = slices.Clone(refs)
	p.mark(FieldArtifacts)
	return p
}

// SetFingerprint writes the content fingerprint.
func (p *Patch) SetFingerprint(fp string) *Patch {
	p.values.Signals.Fingerprint = fp
	p.mark(FieldFingerprint)
	return p
}

// SetError writes the last error; nil clears it.
func (p *Patch) SetError(e *models.ItemError) *Patch {
	if e != nil {
		c := *e
		e = &c
	}
	p.values.LastError = e
	p.mark(FieldError)
	return p
}

// SetAttempts writes the attempt counter.
func (p *Patch) SetAttempts(n int) *Patch {
	p.values.Attempts = n
	p.mark(FieldAttempts)
	return p
}

// SetCompleted writes the completion flag.
func (p *Patch) SetCompleted(done bool) *Patch {
	p.values.Completed = done
	p.mark(FieldCompleted)
	return p
}

// SetRedirect writes the id of the surviving duplicate.
func (p *Patch) SetRedirect(id string) *Patch {
	p.values.RedirectTarget = id
	p.mark(FieldRedirect)
	return p
}

// SetDeadLetter writes the dead-letter marker.
func (p *Patch) SetDeadLetter(dead bool) *Patch {
	p.values.DeadLetter = dead
	p.mark(FieldDeadLetter)
	return p
}

// SetSignals replaces every identity signal, fingerprint included.
func (p *Patch) SetSignals(s models.IdentitySignals) *Patch {
	p.values.Signals = s.Clone()
	p.mark(FieldSignals)
	return p
}

// SetRating writes the rating.
func (p *Patch) SetRating(r float64) *Patch {
	p.values.Rating = r
	p.mark(FieldRating)
	return p
}

// When guards the patch with c.
func (p *Patch) When(c Condition) *Patch {
	p.cond = &c
	return p
}

// Fields returns the set fields in the order they were set.
func (p *Patch) Fields() []Field {
	return slices.Clone(p.fields)
}

// Has reports whether f is set.
func (p *Patch) Has(f Field) bool {
	return slices.Contains(p.fields, f)
}

// Empty reports whether no field is set.
func (p *Patch) Empty() bool {
	return len(p.fields) == 0
}

// Values exposes the new values; only fields reported by [Patch.Has] are meaningful.
func (p *Patch) Values() *models.CatalogItem {
	return &p.values
}

// Condition returns the guard, or nil.
func (p *Patch) Condition() *Condition {
	return p.cond
}

// Apply copies the set fields onto item.
func (p *Patch) Apply(item *models.CatalogItem) {
	v := p.values.Clone()
	for _, f := range p.fields {
		switch f {
		case FieldState:
			item.State = v.State
		case FieldLock:
			item.Lock = v.Lock
		case FieldArtifacts:
			item.Artifacts = v.Artifacts
		case FieldFingerprint:
			item.Signals.Fingerprint = v.Signals.Fingerprint
		case FieldError:
			item.LastError = v.LastError
		case FieldAttempts:
			item.Attempts = v.Attempts
		case FieldCompleted:
			item.Completed = v.Completed
		case FieldRedirect:
			item.RedirectTarget = v.RedirectTarget
		case FieldDeadLetter:
			item.DeadLetter = v.DeadLetter
		case FieldSignals:
			item.Signals = v.Signals
		case FieldRating:
			item.Rating = v.Rating
		}
	}
}
