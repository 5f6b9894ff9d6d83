// Package identity implements the Product Identity entity from §3: a
// deterministic product_id derived from (category, brand, model, variant),
// immutable within a run.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ProductIdentity is the input job's identity lock (§6).
type ProductIdentity struct {
	Category string `json:"category" validate:"required"`
	Brand    string `json:"brand" validate:"required"`
	Model    string `json:"model" validate:"required"`
	Variant  string `json:"variant,omitempty"`
}

// Validate checks required fields are present.
func (p ProductIdentity) Validate() error {
	return validate.Struct(p)
}

// normalize lower-cases and collapses whitespace so that trivially
// different spellings of the same identity hash to the same product_id.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// ProductID computes the deterministic product_id for this identity. Same
// (category, brand, model, variant) always yields the same id; this is the
// basis for the "exactly one active run per product" invariant.
func (p ProductIdentity) ProductID() string {
	h := sha256.New()
	for _, part := range []string{normalize(p.Category), normalize(p.Brand), normalize(p.Model), normalize(p.Variant)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:24]
}

// ConflictsWith reports whether two identities describe the same category
// but cannot both be true identity locks — i.e. same brand, differing
// model/variant close enough to be the ambiguous-model scenario from
// spec.md §8 scenario 4. Exact equality is handled by ProductID already;
// this only flags the "near miss" case callers must escalate to an
// identity_conflict reason code.
func (p ProductIdentity) ConflictsWith(other ProductIdentity) bool {
	if normalize(p.Category) != normalize(other.Category) {
		return false
	}
	if normalize(p.Brand) != normalize(other.Brand) {
		return false
	}
	return normalize(p.Model) != normalize(other.Model) && sharesPrefix(normalize(p.Model), normalize(other.Model))
}

func sharesPrefix(a, b string) bool {
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	if minLen == 0 {
		return false
	}
	shared := 0
	for i := 0; i < minLen; i++ {
		if a[i] != b[i] {
			break
		}
		shared++
	}
	return float64(shared)/float64(minLen) >= 0.6
}
