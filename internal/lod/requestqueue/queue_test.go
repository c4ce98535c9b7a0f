package requestqueue

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type recorder struct {
	seen []uint32
	bad  map[uint32]bool
}

var errBad = errors.New("bad node")

func (r *recorder) ProcessNodeRequest(id uint32) error {
	r.seen = append(r.seen, id)
	if r.bad[id] {
		return errors.Wrapf(errBad, "node %d", id)
	}
	return nil
}

func TestDrain_MasksIDsAndKeepsOrder(t *testing.T) {
	l := Encode([]uint32{5, 0xAB000003, 5})
	rec := &recorder{}
	res, err := NewConsumer(nil).Drain(l, rec)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5, 3, 5}, rec.seen)
	assert.Equal(t, Result{Requests: 3}, res)
}

func TestDrain_CountLimitsEntries(t *testing.T) {
	l := Encode([]uint32{1, 2, 3})
	l.Count = 2
	rec := &recorder{}
	_, err := NewConsumer(nil).Drain(l, rec)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, rec.seen)

	l.Count = 4
	_, err = NewConsumer(nil).Drain(l, rec)
	assert.Error(t, err)
}

func TestDrain_ContinuesPastFailures(t *testing.T) {
	rec := &recorder{bad: map[uint32]bool{1: true, 3: true}}
	res, err := NewConsumer(nil).Drain(Encode([]uint32{1, 2, 3}), rec)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.True(t, errors.Is(err, errBad))
	assert.Equal(t, Result{Requests: 3, Failed: 2}, res)
	assert.Equal(t, []uint32{1, 2, 3}, rec.seen)
}
