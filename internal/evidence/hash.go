package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
	"github.com/rotisserie/eris"

	"github.com/sells-group/specfactory/internal/model"
)

// PackHash is the canonical content hash of a whole pack: RFC 8785 JSON,
// sha256, hex. A pack rebuilt from the persisted page artifacts hashes
// identically, which is what the artifact round-trip check compares.
func PackHash(p *model.EvidencePack) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", eris.Wrap(err, "marshal pack")
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", eris.Wrap(err, "canonicalize pack")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
