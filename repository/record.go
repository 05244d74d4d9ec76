package repository

import (
	"strconv"
	"strings"
)

// Record is a stored vault entry. Everything except EncryptedPayload is plaintext
// metadata; the signature covers every field including the payload.
type Record[C Category] struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Subtitle         string `json:"subtitle"`
	URL              string `json:"url"`
	EncryptedPayload string `json:"encryptedPayload"`
	Category         C      `json:"category"`
	CreatedAt        int64  `json:"createdAt"`
	ModifiedAt       int64  `json:"modifiedAt"`
	Favorite         bool   `json:"favorite"`
	LastUsedAt       int64  `json:"lastUsedAt"`
	Strength         int    `json:"strength"`
	KeyID            string `json:"keyId"`
	Signature        string `json:"signature"`
}

// Draft is the caller-supplied part of a record. Content is the plaintext payload.
type Draft[C Category] struct {
	Title    string
	Subtitle string
	URL      string
	Content  string
	Category C
}

// Decrypted is a verified record together with its opened payload
type Decrypted[C Category] struct {
	Record[C]
	Content string
}

// field values may contain the separator, so both are escaped
var signingEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`)

// signingPayload is
// id|title|subtitle|url|category|createdAt|modifiedAt|favorite|lastUsedAt|strength|keyId|encryptedPayload
func (r Record[C]) signingPayload() string {
	return strings.Join([]string{
		signingEscaper.Replace(r.ID),
		signingEscaper.Replace(r.Title),
		signingEscaper.Replace(r.Subtitle),
		signingEscaper.Replace(r.URL),
		r.Category.String(),
		strconv.FormatInt(r.CreatedAt, 10),
		strconv.FormatInt(r.ModifiedAt, 10),
		strconv.FormatBool(r.Favorite),
		strconv.FormatInt(r.LastUsedAt, 10),
		strconv.Itoa(r.Strength),
		signingEscaper.Replace(r.KeyID),
		r.EncryptedPayload,
	}, "|")
}
