package decoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/X2k16/tracking-firmware/internal/models"
)

// errReader fails after its data is consumed, like an unplugged device.
type errReader struct {
	data io.Reader
	err  error
}

func (r *errReader) Read(p []byte) (int, error) {
	n, err := r.data.Read(p)
	if errors.Is(err, io.EOF) {
		return n, r.err
	}
	return n, err
}

func collect(t *testing.T, d *Decoder) ([]models.Document, error) {
	t.Helper()
	var docs []models.Document
	for doc, err := range d.All() {
		if err != nil {
			return docs, err
		}
		docs = append(docs, doc)
	}
	t.Fatal("sequence ended without an error")
	return nil, nil
}

func TestNext_FelicaLine(t *testing.T) {
	d := New(strings.NewReader(`{"type":"felica","idm":"ABC123","macaddress":"00:11:22:33:44:55"}` + "\n"))

	doc, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "felica", doc.Type())
	idm, _ := doc.String("idm")
	assert.Equal(t, "ABC123", idm)

	_, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestNext_SkipsNoise(t *testing.T) {
	input := strings.Join([]string{
		"",
		"   ",
		"not json at all",
		"** Master init**",
		"{ \"status\": \"timeout\"",
		"[1, 2, 3]",
		"{\"type\":\"debug\",\"msg\":\"hello\"} trailing",
		"\t{\"type\":\"debug\",\"msg\":\"hello\"}\r",
		"",
	}, "\n")

	docs, err := collect(t, New(strings.NewReader(input)))
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, docs, 1)
	assert.Equal(t, "debug", docs[0].Type())
}

func TestNext_NumbersPreserved(t *testing.T) {
	d := New(strings.NewReader(`{ "macaddress": "8102ABCD", "idm": 1234567890123456789 }` + "\n"))

	doc, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, json.Number("1234567890123456789"), doc["idm"])
	idm, ok := doc.String("idm")
	assert.True(t, ok)
	assert.Equal(t, "1234567890123456789", idm)
}

func TestNext_UnterminatedFinalLine(t *testing.T) {
	d := New(strings.NewReader("garbage\n" + `{"type":"felica","idm":"01"}`))

	doc, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "felica", doc.Type())

	_, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestNext_OverLongLineDiscarded(t *testing.T) {
	long := `{"type":"debug","msg":"` + strings.Repeat("x", 200) + `"}`
	input := long + "\n" + `{"type":"felica","idm":"02"}` + "\n"

	docs, err := collect(t, New(strings.NewReader(input), WithMaxLineBytes(64)))
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, docs, 1)
	assert.Equal(t, "felica", docs[0].Type())
}

func TestNext_StreamErrorIsSticky(t *testing.T) {
	broken := errors.New("device disconnected")
	d := New(&errReader{data: strings.NewReader(`{"type":"felica","idm":"03"}` + "\n"), err: broken})

	_, err := d.Next()
	require.NoError(t, err)

	_, err = d.Next()
	assert.ErrorIs(t, err, broken)
	_, err = d.Next()
	assert.ErrorIs(t, err, broken)
}

func TestAll_StopsWhenConsumerStops(t *testing.T) {
	input := strings.Repeat(`{"type":"felica","idm":"04"}`+"\n", 5)
	d := New(strings.NewReader(input))

	count := 0
	for _, err := range d.All() {
		require.NoError(t, err)
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)

	// the sequence is not restartable but the remaining lines are still unread
	doc, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "felica", doc.Type())
}

// Interleaving generated well-formed lines with garbage yields exactly one
// document per well-formed line.
func TestNext_GeneratedInterleaving(t *testing.T) {
	faker := gofakeit.New(2016)

	for round := 0; round < 20; round++ {
		var b strings.Builder
		want := 0

		for i := 0; i < 50; i++ {
			switch faker.Number(0, 4) {
			case 0:
				fmt.Fprintf(&b, `{"type":"felica","idm":"%s","macaddress":"%s"}`+"\n",
					faker.Regex("[0-9A-F]{16}"), faker.MacAddress())
				want++
			case 1:
				fmt.Fprintf(&b, `{"type":"debug","msg":%q}`+"\n", faker.Sentence(4))
				want++
			case 2:
				b.WriteString(faker.Sentence(6) + "\n")
			case 3:
				b.WriteString("\n")
			default:
				fmt.Fprintf(&b, `{"type":"felica","idm":"%s"`+"\n", faker.Regex("[0-9A-F]{16}"))
			}
		}

		docs, err := collect(t, New(strings.NewReader(b.String())))
		assert.ErrorIs(t, err, io.EOF)
		assert.Len(t, docs, want, "round %d", round)
	}
}
