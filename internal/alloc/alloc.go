package alloc

import "github.com/ponysql/ponystore/internal/ponyerr"

// Allocate implements spec.md §4.6's Allocate: round the request up to a
// boundary-tag size, best-fit search the bins, and fall back to growing
// the wilderness (or the whole data area) if nothing free fits.
func (s *Store) Allocate(size uint64) (AreaID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	real := roundUp8(size + areaOverhead)
	if real < minAreaSize {
		real = minAreaSize
	}

	ptr, wasWilderness, err := s.findFree(real)
	if err != nil {
		return 0, err
	}
	if ptr == sentinelPtr {
		ptr, wasWilderness, err = s.growForAllocation(real)
		if err != nil {
			return 0, err
		}
	}

	foundSize, _, err := s.readAreaHeader(ptr)
	if err != nil {
		return 0, err
	}
	if err := s.cropArea(ptr, foundSize, real, wasWilderness); err != nil {
		return 0, err
	}

	s.totalAllocatedSpace += real
	return AreaID(ptr), nil
}

// findFree searches bins minimumBinSizeIndex(real)..end for a usable free
// area: the first 12 entries of the starting bin are walked looking for
// one that fits and is not the wilderness; every later bin's head is
// taken unconditionally (safe only because higher bins hold strictly
// larger areas, spec.md §9's preserved invariant).
func (s *Store) findFree(real uint64) (ptr int64, wasWilderness bool, err error) {
	start := minimumBinSizeIndex(real)
	for i := start; i < binCount; i++ {
		head, err := s.getBinHead(i)
		if err != nil {
			return 0, false, err
		}
		if head == sentinelPtr {
			continue
		}
		if i != start {
			if err := s.removeFromBinChain(i, head); err != nil {
				return 0, false, err
			}
			return head, head == s.wildernessPtr, nil
		}
		cur := head
		for count := 0; count < 12 && cur != sentinelPtr; count++ {
			curSize, _, err := s.readAreaHeader(cur)
			if err != nil {
				return 0, false, err
			}
			if curSize >= real && cur != s.wildernessPtr {
				if err := s.removeFromBinChain(i, cur); err != nil {
					return 0, false, err
				}
				return cur, false, nil
			}
			cur, err = s.readLink(cur)
			if err != nil {
				return 0, false, err
			}
		}
	}
	return sentinelPtr, false, nil
}

// growForAllocation implements the "otherwise, grow" branch: reuse the
// wilderness if one exists (topping it up if it's still too small),
// otherwise start a brand-new area at the end of the data area.
func (s *Store) growForAllocation(real uint64) (ptr int64, wasWilderness bool, err error) {
	var workingPtr int64
	var growBy uint64

	if s.wildernessPtr != sentinelPtr {
		wSize, _, err := s.readAreaHeader(s.wildernessPtr)
		if err != nil {
			return 0, false, err
		}
		// The wilderness is tracked by wildernessPtr alone and is never
		// linked into a bin (cropArea and Free both keep it out), so there
		// is no bin chain to unlink it from.
		workingPtr = s.wildernessPtr
		s.wildernessPtr = sentinelPtr
		if real > wSize {
			growBy = real - wSize
		}
		wasWilderness = true
	} else {
		workingPtr = s.dataAreaEnd
		growBy = real
	}

	if growBy > 0 {
		grown := roundUp8(growBy)
		extra := overGrow(s.dataAreaEnd)
		newEnd := s.dataAreaEnd + int64(grown) + int64(extra)
		if err := s.sys.SetResourceSize(s.resourceName, uint64(newEnd)); err != nil {
			return 0, false, err
		}
		s.dataAreaEnd = newEnd
	}

	totalSize := uint64(s.dataAreaEnd - workingPtr)
	if err := s.writeAreaHeader(workingPtr, totalSize, false); err != nil {
		return 0, false, err
	}
	if err := s.writeAreaFooter(workingPtr, totalSize); err != nil {
		return 0, false, err
	}
	return workingPtr, wasWilderness, nil
}

// cropArea implements spec.md §4.6's crop_area: split off a leftover
// remainder when it is large enough to be worth keeping (>= 512 bytes,
// or >= 32 for a wilderness-sourced area, which is always worth keeping
// since it just re-becomes the wilderness), otherwise hand the whole
// free block to the caller as-is. A remainder that now ends at the data
// area's end, or that came from the wilderness, becomes the new
// wilderness instead of going into a bin.
func (s *Store) cropArea(ptr int64, freeSize, allocSize uint64, wasWilderness bool) error {
	leftover := freeSize - allocSize
	threshold := uint64(splitThreshold)
	if wasWilderness {
		threshold = wildernessSplitThreshold
	}

	if leftover < threshold {
		return s.writeUsedArea(ptr, freeSize)
	}

	remPtr := ptr + int64(allocSize)
	if err := s.writeUsedArea(ptr, allocSize); err != nil {
		return err
	}
	if err := s.writeAreaHeader(remPtr, leftover, true); err != nil {
		return err
	}
	if err := s.writeAreaFooter(remPtr, leftover); err != nil {
		return err
	}

	remEnd := remPtr + int64(leftover)
	if wasWilderness || remEnd == s.dataAreaEnd {
		s.wildernessPtr = remPtr
		return nil
	}
	return s.addToBinChain(remPtr, leftover)
}

func (s *Store) writeUsedArea(ptr int64, size uint64) error {
	if err := s.writeAreaHeader(ptr, size, false); err != nil {
		return err
	}
	return s.writeAreaFooter(ptr, size)
}

// Free implements spec.md §4.6's Free: coalesce with any free neighbour,
// track wilderness status, and either re-link into a bin or record the
// merged area as the new wilderness.
func (s *Store) Free(id AreaID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ptr := int64(id)
	origSize, free, err := s.readAreaHeader(ptr)
	if err != nil {
		return err
	}
	if free {
		return ponyerr.Corrupt("alloc: double free of area %d", ptr)
	}

	rptr := ptr
	rsize := origSize
	coalesced := false
	mergedWilderness := false

	if rptr > dataAreaOffset {
		prevFooterSize, err := s.readU64(rptr - 8)
		if err == nil {
			prevPtr := rptr - int64(prevFooterSize)
			if prevPtr >= dataAreaOffset && prevPtr < rptr {
				pSize, pFree, err := s.readAreaHeader(prevPtr)
				if err == nil && pFree && pSize == prevFooterSize {
					if prevPtr == s.wildernessPtr {
						s.wildernessPtr = sentinelPtr
					} else if err := s.removeFromBinChain(minimumBinSizeIndex(pSize), prevPtr); err != nil {
						return err
					}
					rptr = prevPtr
					rsize += pSize
					coalesced = true
				}
			}
		}
	}

	if rptr+int64(rsize) < s.dataAreaEnd {
		nextPtr := rptr + int64(rsize)
		nSize, nFree, err := s.readAreaHeader(nextPtr)
		if err != nil {
			return err
		}
		if nFree {
			wasWild := nextPtr == s.wildernessPtr
			if wasWild {
				s.wildernessPtr = sentinelPtr
			} else if err := s.removeFromBinChain(minimumBinSizeIndex(nSize), nextPtr); err != nil {
				return err
			}
			rsize += nSize
			coalesced = true
			if wasWild {
				mergedWilderness = true
			}
		}
	} else if rptr+int64(rsize) == s.dataAreaEnd {
		mergedWilderness = true
	}

	if coalesced {
		if err := s.writeAreaHeader(rptr, rsize, false); err != nil {
			return err
		}
		if err := s.writeAreaFooter(rptr, rsize); err != nil {
			return err
		}
	}

	if mergedWilderness {
		if err := s.writeAreaHeader(rptr, rsize, true); err != nil {
			return err
		}
		if err := s.writeAreaFooter(rptr, rsize); err != nil {
			return err
		}
		s.wildernessPtr = rptr
	} else {
		if err := s.addToBinChain(rptr, rsize); err != nil {
			return err
		}
	}

	s.totalAllocatedSpace -= origSize
	return nil
}
