package policy

import "encoding/base64"

// PHC-formatted digests use unpadded standard base64 for the salt and
// hash fields.
func b64RawEncode(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

func b64RawDecode(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(s)
}
