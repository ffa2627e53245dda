package journal

import "github.com/pkg/errors"

// PageWriter is the subset of Volume/VolumeSet needed to copy a
// journaled page image back to its home volume file.
type PageWriter interface {
	WritePageByID(volumeID int32, address uint32, data []byte) error
}

// CopyBack writes the newest page map image of each page to its volume
// when that image's timestamp is at or before lastCheckpointTs, then
// forgets the page's entries. A page whose newest image is newer than
// the checkpoint is left in the page map, older images included: it is
// not yet known to
// be durable anywhere but the journal, so forgetting them early would
// resurrect stale data on a later recovery (bug 942669 — never
// resurrect an obsolete page entry by forgetting the one that
// superseded it).
func CopyBack(pageMap *PageMap, writer PageWriter, lastCheckpointTs int64) (int, error) {
	copied := 0
	for _, node := range pageMap.Snapshot() {
		if node.Timestamp > lastCheckpointTs {
			continue
		}
		if err := writer.WritePageByID(node.VolumeID, node.PageAddress, node.Data); err != nil {
			return copied, errors.Wrapf(err, "journal: copy back volume=%d page=%d", node.VolumeID, node.PageAddress)
		}
		pageMap.Forget(node.VolumeID, node.PageAddress)
		copied++
	}
	return copied, nil
}
