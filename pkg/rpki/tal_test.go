package rpki

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/cuemby/rpkid/pkg/uri"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTALOrdersHTTPSFirst(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("fake-spki-der"))
	file := "rsync://rpki.example.net/repo/ta.cer\n" +
		"https://rpki.example.net/rrdp/ta.cer\n" +
		"\n" + key + "\n"

	tal, err := ParseTAL("example", strings.NewReader(file))
	require.NoError(t, err)
	require.Len(t, tal.URIs, 2)
	assert.Equal(t, uri.SchemeHTTPS, tal.URIs[0].Scheme())
	assert.Equal(t, uri.SchemeRsync, tal.URIs[1].Scheme())
	assert.Equal(t, []byte("fake-spki-der"), tal.Key)
}

func TestParseTALRejectsMissingBlankLine(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("k"))
	file := "rsync://rpki.example.net/repo/ta.cer\n" + key + "\n"
	_, err := ParseTAL("example", strings.NewReader(file))
	assert.Error(t, err)
}

func TestParseTALRejectsNoURIs(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("k"))
	file := "\n" + key + "\n"
	_, err := ParseTAL("example", strings.NewReader(file))
	assert.Error(t, err)
}

func TestParseTALSkipsCommentLines(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("k"))
	file := "# comment\nrsync://rpki.example.net/repo/ta.cer\n\n" + key + "\n"
	tal, err := ParseTAL("example", strings.NewReader(file))
	require.NoError(t, err)
	require.Len(t, tal.URIs, 1)
}

func TestParseTALMultilineKey(t *testing.T) {
	raw := strings.Repeat("x", 90)
	key := base64.StdEncoding.EncodeToString([]byte(raw))
	mid := len(key) / 2
	file := "rsync://rpki.example.net/repo/ta.cer\n\n" + key[:mid] + "\n" + key[mid:] + "\n"
	tal, err := ParseTAL("example", strings.NewReader(file))
	require.NoError(t, err)
	assert.Equal(t, []byte(raw), tal.Key)
}
