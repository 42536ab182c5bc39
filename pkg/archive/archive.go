// Package archive implements a single-file keyed object archive: a
// sequence of named objects preceded by fixed-size metadata, indexed by
// a bucket-chained hash table, with deleted objects turned into free
// blocks that later publishes reuse before the archive is grown.
//
// The format is a hand-rolled equivalent of a simple append/reuse file
// store: no external database, no WAL, just one file and an in-memory
// understanding of its layout recovered from the header and index on
// open.
package archive

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sort"
	"sync"
)

const (
	magicSize = 6
	version   = 0
	// headerSize is size(8) + next(8) + nameLen(4); nameLen ==
	// freeMarker identifies a free block rather than a named object.
	headerSize = 20
	freeMarker = 0xffffffff

	metaHeaderSize = 16 + 8 + 8 // hash key + bucket count + meta size
)

var fileMagic = [magicSize]byte{'R', 'T', 'N', 'R', version, 'G'}

// ErrCorrupt is returned by Verify and internal reads when the archive's
// on-disk structure is inconsistent.
var ErrCorrupt = errors.New("archive: corrupt")

// ErrNotFound is returned by Fetch/Update/Delete when no object by that
// name exists.
var ErrNotFound = errors.New("archive: object not found")

// ErrAlreadyExists is returned by Publish when an object by that name
// already exists.
var ErrAlreadyExists = errors.New("archive: object already exists")

// ErrMetaMismatch is returned by FetchIf/Update/Delete when the check
// callback rejects the stored metadata.
var ErrMetaMismatch = errors.New("archive: metadata check failed")

const defaultBucketCount = 1024

// Archive is a single open archive file. All methods are safe for
// concurrent use; mutations take an exclusive lock, reads a shared one.
type Archive struct {
	mu          sync.RWMutex
	file        *os.File
	hashKey     [16]byte
	bucketCount uint64
	metaSize    int
	size        int64
}

// Create creates a new, empty archive at path with bucketCount buckets
// (defaultBucketCount if zero) holding objects with metaSize bytes of
// fixed application metadata each. It fails if path already exists.
func Create(path string, bucketCount, metaSize int) (*Archive, error) {
	if bucketCount <= 0 {
		bucketCount = defaultBucketCount
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", path, err)
	}
	a := &Archive{
		file:        f,
		bucketCount: uint64(bucketCount),
		metaSize:    metaSize,
	}
	if _, err := rand.Read(a.hashKey[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: generating hash key: %w", err)
	}
	if err := a.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	a.size = metaHeaderSize + magicSize + int64(a.bucketCount+1)*8
	if err := f.Truncate(a.size); err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}
	return a, nil
}

// Open opens an existing archive at path.
func Open(path string, writable bool) (*Archive, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	a := &Archive{file: f}
	if err := a.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}
	a.size = info.Size()
	return a, nil
}

// Close closes the underlying file.
func (a *Archive) Close() error {
	return a.file.Close()
}

func (a *Archive) writeHeader() error {
	buf := make([]byte, magicSize+metaHeaderSize)
	copy(buf, fileMagic[:])
	copy(buf[magicSize:], a.hashKey[:])
	binary.LittleEndian.PutUint64(buf[magicSize+16:], a.bucketCount)
	binary.LittleEndian.PutUint64(buf[magicSize+24:], uint64(a.metaSize))
	_, err := a.file.WriteAt(buf, 0)
	return err
}

func (a *Archive) readHeader() error {
	buf := make([]byte, magicSize+metaHeaderSize)
	if _, err := io.ReadFull(io.NewSectionReader(a.file, 0, int64(len(buf))), buf); err != nil {
		return fmt.Errorf("archive: reading header: %w", err)
	}
	var magic [magicSize]byte
	copy(magic[:], buf[:magicSize])
	if magic != fileMagic {
		return fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	copy(a.hashKey[:], buf[magicSize:magicSize+16])
	a.bucketCount = binary.LittleEndian.Uint64(buf[magicSize+16:])
	a.metaSize = int(binary.LittleEndian.Uint64(buf[magicSize+24:]))
	return nil
}

func (a *Archive) indexPos(bucket uint64) int64 {
	return magicSize + metaHeaderSize + int64(bucket)*8
}

func (a *Archive) emptyIndexPos() int64 {
	return a.indexPos(a.bucketCount)
}

func (a *Archive) readPtr(pos int64) (uint64, error) {
	var buf [8]byte
	if _, err := a.file.ReadAt(buf[:], pos); err != nil {
		return 0, fmt.Errorf("archive: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (a *Archive) writePtr(pos int64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := a.file.WriteAt(buf[:], pos)
	return err
}

func (a *Archive) getIndex(bucket uint64) (uint64, error) { return a.readPtr(a.indexPos(bucket)) }
func (a *Archive) setIndex(bucket, pos uint64) error       { return a.writePtr(a.indexPos(bucket), pos) }
func (a *Archive) getEmptyIndex() (uint64, error)          { return a.readPtr(a.emptyIndexPos()) }
func (a *Archive) setEmptyIndex(pos uint64) error          { return a.writePtr(a.emptyIndexPos(), pos) }

// hashName hashes name into a bucket index, keyed by the archive's
// random per-file key so bucket assignment can't be gamed from outside.
// Standard library only: no keyed-hash library appears anywhere in the
// example corpus to ground a third-party choice on, so FNV-1a over
// key||name stands in for the original's SipHash.
func (a *Archive) hashName(name []byte) uint64 {
	h := fnv.New64a()
	h.Write(a.hashKey[:])
	h.Write(name)
	return h.Sum64() % a.bucketCount
}

type objectHeader struct {
	size    uint64
	next    uint64 // 0 = none
	nameLen uint32 // freeMarker = this is a free block
}

func (a *Archive) readObjectHeader(pos int64) (objectHeader, error) {
	var buf [headerSize]byte
	if _, err := a.file.ReadAt(buf[:], pos); err != nil {
		return objectHeader{}, fmt.Errorf("archive: %w", err)
	}
	return objectHeader{
		size:    binary.LittleEndian.Uint64(buf[0:8]),
		next:    binary.LittleEndian.Uint64(buf[8:16]),
		nameLen: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

func (a *Archive) writeObjectHeader(pos int64, h objectHeader) error {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.size)
	binary.LittleEndian.PutUint64(buf[8:16], h.next)
	binary.LittleEndian.PutUint32(buf[16:20], h.nameLen)
	_, err := a.file.WriteAt(buf[:], pos)
	return err
}

func (a *Archive) readName(pos int64, nameLen uint32) ([]byte, error) {
	name := make([]byte, nameLen)
	if _, err := a.file.ReadAt(name, pos+headerSize); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return name, nil
}

func (a *Archive) metaStart(pos int64, nameLen uint32) int64 {
	return pos + headerSize + int64(nameLen)
}

func (a *Archive) dataStart(pos int64, nameLen uint32) int64 {
	return a.metaStart(pos, nameLen) + int64(a.metaSize)
}

type foundObject struct {
	start  int64
	header objectHeader
	prev   int64 // 0 = this was the bucket head
}

func (a *Archive) find(hash uint64, name []byte) (*foundObject, error) {
	pos, err := a.getIndex(hash)
	if err != nil {
		return nil, err
	}
	var prev uint64
	for pos != 0 {
		h, err := a.readObjectHeader(int64(pos))
		if err != nil {
			return nil, err
		}
		if h.nameLen == freeMarker {
			return nil, fmt.Errorf("%w: free block in bucket chain", ErrCorrupt)
		}
		objName, err := a.readName(int64(pos), h.nameLen)
		if err != nil {
			return nil, err
		}
		if string(objName) == string(name) {
			return &foundObject{start: int64(pos), header: h, prev: int64(prev)}, nil
		}
		prev = pos
		pos = h.next
	}
	return nil, nil
}

func objectSize(nameLen int, metaSize, dataLen int) uint64 {
	return uint64(headerSize + nameLen + metaSize + dataLen)
}

func fits(emptySize, objSize uint64) bool {
	return emptySize == objSize || emptySize >= objSize+headerSize
}

// Publish adds a new object under name. It fails with ErrAlreadyExists
// if one is already present.
func (a *Archive) Publish(name string, meta, content []byte) error {
	if len(meta) != a.metaSize {
		return fmt.Errorf("archive: meta must be %d bytes, got %d", a.metaSize, len(meta))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	nameB := []byte(name)
	hash := a.hashName(nameB)
	if found, err := a.find(hash, nameB); err != nil {
		return err
	} else if found != nil {
		return ErrAlreadyExists
	}

	size := objectSize(len(nameB), a.metaSize, len(content))
	empty, pos, err := a.findEmpty(size)
	if err != nil {
		return err
	}
	if pos != 0 {
		return a.publishReplace(hash, nameB, meta, content, empty, pos)
	}
	return a.publishAppend(hash, nameB, meta, content)
}

func (a *Archive) publishReplace(hash uint64, name, meta, content []byte, empty objectHeader, start uint64) error {
	if err := a.unlinkEmpty(start, empty.next); err != nil {
		return err
	}
	emptyEnd := start + empty.size
	next, err := a.getIndex(hash)
	if err != nil {
		return err
	}
	head := objectHeader{size: objectSize(len(name), a.metaSize, len(content)), next: next, nameLen: uint32(len(name))}
	objectEnd, err := a.writeObject(int64(start), head, name, meta, content)
	if err != nil {
		return err
	}
	if err := a.setIndex(hash, start); err != nil {
		return err
	}
	if emptyEnd > uint64(objectEnd) {
		return a.createEmptyRaw(uint64(objectEnd), emptyEnd-uint64(objectEnd))
	}
	return nil
}

func (a *Archive) publishAppend(hash uint64, name, meta, content []byte) error {
	start := a.size
	next, err := a.getIndex(hash)
	if err != nil {
		return err
	}
	head := objectHeader{size: objectSize(len(name), a.metaSize, len(content)), next: next, nameLen: uint32(len(name))}
	end, err := a.writeObject(start, head, name, meta, content)
	if err != nil {
		return err
	}
	a.size = end
	return a.setIndex(hash, uint64(start))
}

func (a *Archive) writeObject(start int64, head objectHeader, name, meta, content []byte) (int64, error) {
	if err := a.writeObjectHeader(start, head); err != nil {
		return 0, err
	}
	if _, err := a.file.WriteAt(name, start+headerSize); err != nil {
		return 0, fmt.Errorf("archive: %w", err)
	}
	metaStart := a.metaStart(start, uint32(len(name)))
	if len(meta) > 0 {
		if _, err := a.file.WriteAt(meta, metaStart); err != nil {
			return 0, fmt.Errorf("archive: %w", err)
		}
	}
	dataStart := metaStart + int64(a.metaSize)
	if len(content) > 0 {
		if _, err := a.file.WriteAt(content, dataStart); err != nil {
			return 0, fmt.Errorf("archive: %w", err)
		}
	}
	end := dataStart + int64(len(content))
	if end > a.size {
		a.size = end
	}
	return end, nil
}

// Fetch returns an object's metadata and content by name.
func (a *Archive) Fetch(name string) (meta, content []byte, err error) {
	return a.FetchIf(name, func([]byte) bool { return true })
}

// FetchIf returns an object's metadata and content if checkMeta accepts
// the stored metadata; otherwise it returns ErrMetaMismatch.
func (a *Archive) FetchIf(name string, checkMeta func(meta []byte) bool) (meta, content []byte, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	nameB := []byte(name)
	found, err := a.find(a.hashName(nameB), nameB)
	if err != nil {
		return nil, nil, err
	}
	if found == nil {
		return nil, nil, ErrNotFound
	}
	m, err := a.readMeta(found)
	if err != nil {
		return nil, nil, err
	}
	if !checkMeta(m) {
		return nil, nil, ErrMetaMismatch
	}
	c, err := a.readContent(found)
	if err != nil {
		return nil, nil, err
	}
	return m, c, nil
}

func (a *Archive) readMeta(found *foundObject) ([]byte, error) {
	if a.metaSize == 0 {
		return nil, nil
	}
	buf := make([]byte, a.metaSize)
	if _, err := a.file.ReadAt(buf, a.metaStart(found.start, found.header.nameLen)); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return buf, nil
}

func (a *Archive) readContent(found *foundObject) ([]byte, error) {
	dataLen := int64(found.header.size) - headerSize - int64(found.header.nameLen) - int64(a.metaSize)
	if dataLen < 0 {
		return nil, fmt.Errorf("%w: negative content length", ErrCorrupt)
	}
	buf := make([]byte, dataLen)
	if dataLen > 0 {
		if _, err := a.file.ReadAt(buf, a.dataStart(found.start, found.header.nameLen)); err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
	}
	return buf, nil
}

// Update replaces an object's metadata and content. checkMeta may reject
// the existing metadata before the update is applied (e.g. to enforce a
// hash/version precondition), returning ErrMetaMismatch.
func (a *Archive) Update(name string, meta, content []byte, checkMeta func(meta []byte) bool) error {
	if len(meta) != a.metaSize {
		return fmt.Errorf("archive: meta must be %d bytes, got %d", a.metaSize, len(meta))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	nameB := []byte(name)
	hash := a.hashName(nameB)
	found, err := a.find(hash, nameB)
	if err != nil {
		return err
	}
	if found == nil {
		return ErrNotFound
	}
	oldMeta, err := a.readMeta(found)
	if err != nil {
		return err
	}
	if !checkMeta(oldMeta) {
		return ErrMetaMismatch
	}

	newSize := objectSize(len(nameB), a.metaSize, len(content))
	if fits(found.header.size, newSize) {
		oldSize := found.header.size
		found.header.size = newSize
		if _, err := a.writeObject(found.start, found.header, nameB, meta, content); err != nil {
			return err
		}
		if emptySize := oldSize - newSize; emptySize > 0 {
			return a.createEmptyRaw(uint64(found.start)+newSize, emptySize)
		}
		return nil
	}

	if err := a.deleteFound(hash, found); err != nil {
		return err
	}
	return a.publishAppend(hash, nameB, meta, content)
}

// Delete removes an object. checkMeta may reject the existing metadata
// before deletion, returning ErrMetaMismatch.
func (a *Archive) Delete(name string, checkMeta func(meta []byte) bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	nameB := []byte(name)
	hash := a.hashName(nameB)
	found, err := a.find(hash, nameB)
	if err != nil {
		return err
	}
	if found == nil {
		return ErrNotFound
	}
	m, err := a.readMeta(found)
	if err != nil {
		return err
	}
	if !checkMeta(m) {
		return ErrMetaMismatch
	}
	return a.deleteFound(hash, found)
}

func (a *Archive) deleteFound(hash uint64, found *foundObject) error {
	if found.prev != 0 {
		if err := a.updateHeaderNext(found.prev, found.header.next); err != nil {
			return err
		}
	} else if err := a.setIndex(hash, found.header.next); err != nil {
		return err
	}
	return a.createEmptyRaw(uint64(found.start), found.header.size)
}

func (a *Archive) updateHeaderNext(pos int64, next uint64) error {
	return a.writePtr(pos+8, next)
}

// createEmptyRaw marks the region [start, start+size) as a free block,
// coalescing it with the block immediately following it if that one is
// also free.
func (a *Archive) createEmptyRaw(start, size uint64) error {
	nextStart := start + size
	if int64(nextStart) < a.size {
		h, err := a.readObjectHeader(int64(nextStart))
		if err != nil {
			return err
		}
		if h.nameLen == freeMarker {
			if err := a.unlinkEmpty(nextStart, h.next); err != nil {
				return err
			}
			size += h.size
		}
	}
	emptyNext, err := a.getEmptyIndex()
	if err != nil {
		return err
	}
	if err := a.writeObjectHeader(int64(start), objectHeader{size: size, next: emptyNext, nameLen: freeMarker}); err != nil {
		return err
	}
	return a.setEmptyIndex(start)
}

func (a *Archive) unlinkEmpty(start, next uint64) error {
	cur, err := a.getEmptyIndex()
	if err != nil {
		return err
	}
	if cur == start {
		return a.setEmptyIndex(next)
	}
	for cur != 0 {
		h, err := a.readObjectHeader(int64(cur))
		if err != nil {
			return err
		}
		if h.next == start {
			return a.updateHeaderNext(int64(cur), next)
		}
		cur = h.next
	}
	return fmt.Errorf("%w: empty block not in free list", ErrCorrupt)
}

// findEmpty finds the smallest free block that fits an object of the
// given total size, returning its header and position (0 if none).
func (a *Archive) findEmpty(size uint64) (objectHeader, uint64, error) {
	pos, err := a.getEmptyIndex()
	if err != nil {
		return objectHeader{}, 0, err
	}
	if pos == 0 {
		return objectHeader{}, 0, nil
	}
	type candidate struct {
		header objectHeader
		pos    uint64
	}
	var candidates []candidate
	for pos != 0 {
		h, err := a.readObjectHeader(int64(pos))
		if err != nil {
			return objectHeader{}, 0, err
		}
		next := h.next
		if fits(h.size, size) {
			candidates = append(candidates, candidate{header: h, pos: pos})
		}
		pos = next
	}
	if len(candidates) == 0 {
		return objectHeader{}, 0, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].header.size < candidates[j].header.size })
	return candidates[0].header, candidates[0].pos, nil
}

// Object is one entry yielded by Iterate.
type Object struct {
	Name    string
	Meta    []byte
	Content []byte
}

// Iterate calls f for every live object in the archive, in no
// particular order. Iteration stops at the first error f returns.
func (a *Archive) Iterate(f func(Object) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for bucket := uint64(0); bucket < a.bucketCount; bucket++ {
		pos, err := a.getIndex(bucket)
		if err != nil {
			return err
		}
		for pos != 0 {
			h, err := a.readObjectHeader(int64(pos))
			if err != nil {
				return err
			}
			name, err := a.readName(int64(pos), h.nameLen)
			if err != nil {
				return err
			}
			found := &foundObject{start: int64(pos), header: h}
			meta, err := a.readMeta(found)
			if err != nil {
				return err
			}
			content, err := a.readContent(found)
			if err != nil {
				return err
			}
			if err := f(Object{Name: string(name), Meta: meta, Content: content}); err != nil {
				return err
			}
			pos = h.next
		}
	}
	return nil
}

// Verify traverses every bucket and the free list and checks that the
// file's content area is covered by objects exactly once, with no
// overlaps, and that every object's name hashes to the bucket it was
// found under.
func (a *Archive) Verify() error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	type span struct{ start, end uint64 }
	var spans []span

	for bucket := uint64(0); bucket < a.bucketCount; bucket++ {
		pos, err := a.getIndex(bucket)
		if err != nil {
			return err
		}
		for pos != 0 {
			h, err := a.readObjectHeader(int64(pos))
			if err != nil {
				return err
			}
			if h.nameLen == freeMarker {
				return fmt.Errorf("%w: free block in bucket chain", ErrCorrupt)
			}
			name, err := a.readName(int64(pos), h.nameLen)
			if err != nil {
				return err
			}
			if a.hashName(name) != bucket {
				return fmt.Errorf("%w: object %q hashes to the wrong bucket", ErrCorrupt, name)
			}
			spans = append(spans, span{pos, pos + h.size})
			pos = h.next
		}
	}

	pos, err := a.getEmptyIndex()
	if err != nil {
		return err
	}
	for pos != 0 {
		h, err := a.readObjectHeader(int64(pos))
		if err != nil {
			return err
		}
		if h.nameLen != freeMarker {
			return fmt.Errorf("%w: non-free block in free list", ErrCorrupt)
		}
		spans = append(spans, span{pos, pos + h.size})
		pos = h.next
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	expect := uint64(magicSize + metaHeaderSize + int64(a.bucketCount+1)*8)
	for _, s := range spans {
		if s.start != expect {
			return fmt.Errorf("%w: gap or overlap at offset %d", ErrCorrupt, s.start)
		}
		expect = s.end
	}
	if int64(expect) != a.size {
		return fmt.Errorf("%w: archive not fully covered by objects", ErrCorrupt)
	}
	return nil
}
