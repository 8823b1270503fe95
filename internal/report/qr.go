package report

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const digestHexLen = 64

// RecordQR creates a QR code PNG identifying a load: part number,
// firmware file name and image digest, one field per line, so a scan of
// the logbook page resolves to one specific load rather than a bare
// hash.
func RecordQR(rec LoadRecord, size int) ([]byte, error) {
	digest := strings.ToLower(strings.TrimSpace(rec.SHA256))
	if err := validateDigest(digest); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 128
	}
	payload := fmt.Sprintf("PN:%s\nFILE:%s\nSHA256:%s",
		strings.TrimSpace(rec.PartNumber),
		strings.TrimSpace(rec.HeaderFileName),
		digest)
	return qrcode.Encode(payload, qrcode.Medium, size)
}

// validateDigest requires a well-formed hex SHA-256. A truncated or
// corrupted digest must fail loudly, never end up in the logbook.
func validateDigest(digest string) error {
	if len(digest) != digestHexLen {
		return fmt.Errorf("digest is %d characters, want %d", len(digest), digestHexLen)
	}
	for _, r := range digest {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return fmt.Errorf("digest contains non-hex character %q", r)
		}
	}
	return nil
}
