package buffer

import "errors"

// ErrRebalanceRequired is returned by Join when neither "merge everything
// into this page" nor "rebalance so both pages stay acceptably full" is
// possible for the requested delete; per §4.2/§7 the caller should split
// instead rather than treat this as a hard failure.
var ErrRebalanceRequired = errors.New("buffer: join would leave a page below the fill threshold")

// minFillNumerator/minFillDenominator define "acceptably full": a page
// must retain at least this fraction of its usable space after a
// rebalancing join, matching typical B-tree fill-factor policy.
const (
	minFillNumerator   = 1
	minFillDenominator = 4
)

// Join merges this page's contents with sibling's per §4.2: if everything
// fits on one page, sibling is emptied (marked garbage) and this page
// absorbs its contents; otherwise the two pages' combined contents are
// rebalanced so each stays at least minFillNumerator/minFillDenominator
// full. leftEnd/rightStart/spareKey1/spareKey2 are accepted for interface
// fidelity with §4.2 but are not needed internally since decodeAll already
// reconstructs full keys (see split.go).
func (b *Buffer) Join(sibling *Buffer, leftEnd, rightStart int, spareKey1, spareKey2 []byte, policy SplitPolicy) error {
	_, _, _, _ = leftEnd, rightStart, spareKey1, spareKey2
	left := b.decodeAll()
	right := sibling.decodeAll()
	combined := make([]record, 0, len(left)+len(right))
	combined = append(combined, left...)
	combined = append(combined, right...)

	usable := b.pageSize - headerSize
	if estimateSize(combined) <= usable {
		rightSiblingAddr := sibling.RightSibling()
		pageType := b.Type()
		b.rebuildFrom(combined, pageType)
		b.SetRightSibling(rightSiblingAddr)
		sibling.Reset(PageTypeGarbage)
		return nil
	}

	splitAt := chooseSplitPoint(combined, SequenceNone, policy)
	leftOut := combined[:splitAt]
	rightOut := combined[splitAt:]
	threshold := usable * minFillNumerator / minFillDenominator
	if estimateSize(leftOut) < threshold || estimateSize(rightOut) < threshold {
		return ErrRebalanceRequired
	}

	rightSiblingAddr := sibling.RightSibling()
	pageType := b.Type()
	b.rebuildFrom(leftOut, pageType)
	sibling.rebuildFrom(rightOut, pageType)
	sibling.SetRightSibling(rightSiblingAddr)
	b.SetRightSibling(sibling.addr)
	return nil
}
