package models

import (
	"bytes"
	"time"
)

// Deployment is a named bundle of process-definition resources. Resource
// content is kept verbatim so redeployments can be duplicate-filtered by byte
// equality.
type Deployment struct {
	ID         string            `json:"id"   validate:"required"`
	Name       string            `json:"name" validate:"required"`
	Resources  map[string][]byte `json:"resources"`
	DeployTime time.Time         `json:"deploy_time"`
}

// SameResources reports whether other carries byte-identical resources under
// the same names.
func (d *Deployment) SameResources(other *Deployment) bool {
	if other == nil || len(d.Resources) != len(other.Resources) {
		return false
	}

	for name, content := range d.Resources {
		if !bytes.Equal(content, other.Resources[name]) {
			return false
		}
	}

	return true
}

// Clone returns a deep copy.
func (d *Deployment) Clone() *Deployment {
	clone := *d

	if d.Resources != nil {
		clone.Resources = make(map[string][]byte, len(d.Resources))
		for name, content := range d.Resources {
			clone.Resources[name] = append([]byte(nil), content...)
		}
	}

	return &clone
}
