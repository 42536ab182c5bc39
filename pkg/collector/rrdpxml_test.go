package collector

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSessionID = "8da0338a-cdb6-4c40-9d05-5bf5e14a51a6"

func TestParseNotificationFileSortsDeltasBySerial(t *testing.T) {
	doc := `<notification version="1" session_id="` + testSessionID + `" serial="5">
		<snapshot uri="https://rpki.example.net/rrdp/5/snapshot.xml" hash="` + strings.Repeat("ab", 32) + `"/>
		<delta serial="5" uri="https://rpki.example.net/rrdp/5/delta.xml" hash="` + strings.Repeat("cd", 32) + `"/>
		<delta serial="3" uri="https://rpki.example.net/rrdp/3/delta.xml" hash="` + strings.Repeat("ef", 32) + `"/>
		<delta serial="4" uri="https://rpki.example.net/rrdp/4/delta.xml" hash="` + strings.Repeat("01", 32) + `"/>
	</notification>`

	nf, err := parseNotificationFile(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, uuid.MustParse(testSessionID), nf.SessionID)
	assert.EqualValues(t, 5, nf.Serial)
	require.Len(t, nf.Deltas, 3)
	assert.EqualValues(t, 3, nf.Deltas[0].Serial)
	assert.EqualValues(t, 4, nf.Deltas[1].Serial)
	assert.EqualValues(t, 5, nf.Deltas[2].Serial)
}

func TestParseNotificationFileRejectsMissingSessionID(t *testing.T) {
	doc := `<notification version="1" serial="1"><snapshot uri="https://x/s.xml" hash="` + strings.Repeat("00", 32) + `"/></notification>`
	_, err := parseNotificationFile(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestParseSnapshotDecodesPublishedObjects(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("hello"))
	doc := `<snapshot version="1" session_id="` + testSessionID + `" serial="1">
		<publish uri="rsync://rpki.example.net/repo/a.cer">` + content + `</publish>
	</snapshot>`

	objs, err := parseSnapshot(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "rsync://rpki.example.net/repo/a.cer", objs[0].URI.String())
	assert.Equal(t, []byte("hello"), objs[0].Content)
}

func TestParseDeltaSplitsPublishAndWithdraw(t *testing.T) {
	hash := strings.Repeat("ab", 32)
	content := base64.StdEncoding.EncodeToString([]byte("updated"))
	doc := `<delta version="1" session_id="` + testSessionID + `" serial="2">
		<publish uri="rsync://rpki.example.net/repo/a.cer" hash="` + hash + `">` + content + `</publish>
		<publish uri="rsync://rpki.example.net/repo/b.roa">` + content + `</publish>
		<withdraw uri="rsync://rpki.example.net/repo/c.crl" hash="` + hash + `"/>
	</delta>`

	publishes, withdraws, err := parseDelta(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, publishes, 2)
	require.Len(t, withdraws, 1)

	assert.True(t, publishes[0].HasHash)
	assert.False(t, publishes[1].HasHash)
	assert.Equal(t, "rsync://rpki.example.net/repo/c.crl", withdraws[0].URI.String())
}

func TestSelectDeltaChainRequiresContiguity(t *testing.T) {
	nf := &notificationFile{
		Serial: 5,
		Deltas: []deltaRef{{Serial: 3}, {Serial: 5}},
	}
	_, ok := selectDeltaChain(nf, 2)
	assert.False(t, ok, "missing serial 4 in chain")
}

func TestSelectDeltaChainAcceptsFullContiguousRun(t *testing.T) {
	nf := &notificationFile{
		Serial: 5,
		Deltas: []deltaRef{{Serial: 3}, {Serial: 4}, {Serial: 5}},
	}
	chain, ok := selectDeltaChain(nf, 2)
	require.True(t, ok)
	require.Len(t, chain, 3)
}

func TestSelectDeltaChainRejectsStaleSessionGap(t *testing.T) {
	nf := &notificationFile{Serial: 5, Deltas: nil}
	_, ok := selectDeltaChain(nf, 2)
	assert.False(t, ok)
}
