// Package pos encodes level-of-detail section positions into a single 64-bit key.
//
// Layout (most significant first): level (4 bits), y (8 bits, signed), z (24 bits, signed),
// x (24 bits, signed), 4 spare bits. Level 0 is the finest grid; every level up halves resolution.
package pos

import (
	"fmt"

	"github.com/pkg/errors"
)

// Key is a packed (level, x, y, z) section position.
type Key uint64

const (
	MaxLevel = 15

	levelShift = 60
	yShift     = 52
	zShift     = 28
	xShift     = 4

	mask24 = (1 << 24) - 1
	mask8  = (1 << 8) - 1
)

// ErrNoChildren is returned when deriving a child of a level-0 position.
var ErrNoChildren = errors.New("level 0 has no children")

func Make(level, x, y, z int) Key {
	return Key(uint64(level&0xF)<<levelShift |
		uint64(y&mask8)<<yShift |
		uint64(z&mask24)<<zShift |
		uint64(x&mask24)<<xShift)
}

func (k Key) Level() int { return int(uint64(k) >> levelShift) }
func (k Key) X() int     { return int(int64(uint64(k)<<36) >> 40) }
func (k Key) Y() int     { return int(int64(uint64(k)<<4) >> 56) }
func (k Key) Z() int     { return int(int64(uint64(k)<<12) >> 40) }

// Octant is the index (0-7) of k within its parent: x parity in bit 0, z in bit 1, y in bit 2.
func (k Key) Octant() int {
	return (k.X() & 1) | (k.Z()&1)<<1 | (k.Y()&1)<<2
}

// Child returns the position of octant i one level finer than k.
func (k Key) Child(i int) (Key, error) {
	lvl := k.Level()
	if lvl == 0 {
		return 0, errors.Wrapf(ErrNoChildren, "child %d of %s", i, k)
	}
	return Make(lvl-1,
		k.X()<<1|(i&1),
		k.Y()<<1|((i>>2)&1),
		k.Z()<<1|((i>>1)&1)), nil
}

// MustChild is Child for callers that already checked the level.
func (k Key) MustChild(i int) Key {
	c, err := k.Child(i)
	if err != nil {
		panic(err)
	}
	return c
}

// Parent returns the position one level coarser. It is the inverse of Child.
func (k Key) Parent() Key {
	return Make(k.Level()+1, k.X()>>1, k.Y()>>1, k.Z()>>1)
}

func (k Key) String() string {
	return fmt.Sprintf("[%d@%d,%d,%d]", k.Level(), k.X(), k.Y(), k.Z())
}
