package cobcache

import (
	"github.com/radicle-dev/heartwood-sub002/internal/cob/identity"
	"github.com/radicle-dev/heartwood-sub002/internal/cob/issue"
	"github.com/radicle-dev/heartwood-sub002/internal/cob/job"
	"github.com/radicle-dev/heartwood-sub002/internal/cob/patch"
)

// Type names used as the `type` column discriminator within one shared
// cob_projections table, mirroring the COB manifest type names.
const (
	typeIssue    = issue.TypeName
	typePatch    = patch.TypeName
	typeIdentity = identity.TypeName
	typeJob      = job.TypeName
)

// Issues, Patches, Identities, and Jobs are the read/write-through
// projections §4.4 names explicitly; each is a Projection[T] bound to
// its COB type's manifest name within one shared cache Store.
type (
	Issues     = Projection[issue.Issue]
	Patches    = Projection[patch.Patch]
	Identities = Projection[identity.Doc]
	Jobs       = Projection[job.Job]
)

func NewIssues(store *Store) *Issues         { return NewProjection[issue.Issue](store, typeIssue) }
func NewPatches(store *Store) *Patches       { return NewProjection[patch.Patch](store, typePatch) }
func NewIdentities(store *Store) *Identities { return NewProjection[identity.Doc](store, typeIdentity) }
func NewJobs(store *Store) *Jobs             { return NewProjection[job.Job](store, typeJob) }
