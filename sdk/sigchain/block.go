package sigchain

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"github.com/seald/go-trustchain-sdk/asymkey"
	"github.com/seald/go-trustchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"google.golang.org/protobuf/encoding/protowire"
)

// BlockVersion is the only envelope version in use.
const BlockVersion = 1

const (
	HashSize       = asymkey.HashSize
	ResourceIdSize = 32

	// SealedKeySize is the size of a symmetric key or of a private encryption key sealed for a public encryption key.
	SealedKeySize = 32 + asymkey.SealOverhead

	// TwoTimesSealedKeySize is the size of a symmetric key sealed for two public encryption keys in turn.
	TwoTimesSealedKeySize = SealedKeySize + asymkey.SealOverhead
)

var (
	ErrorFormatTruncated      = utils.NewSealdError(utils.KindFormat, "FORMAT_TRUNCATED", "not enough data to decode field")
	ErrorFormatTrailingBytes  = utils.NewSealdError(utils.KindFormat, "FORMAT_TRAILING_BYTES", "trailing bytes after decoding")
	ErrorFormatVarint         = utils.NewSealdError(utils.KindFormat, "FORMAT_VARINT", "malformed varint")
	ErrorFormatBlockVersion   = utils.NewSealdError(utils.KindFormat, "FORMAT_BLOCK_VERSION", "unsupported block version")
	ErrorFormatUnknownNature  = utils.NewSealdError(utils.KindFormat, "FORMAT_UNKNOWN_NATURE", "unsupported block nature")
	ErrorFormatInvalidB64     = utils.NewSealdError(utils.KindFormat, "FORMAT_INVALID_B64", "block is not valid base64")
	ErrorAssertionFieldSize   = utils.NewSealdError(utils.KindInternal, "ASSERTION_FIELD_SIZE", "assertion error: invalid field size")
	ErrorAssertionLastReset   = utils.NewSealdError(utils.KindInternal, "ASSERTION_LAST_RESET", "assertion error: user device last reset must be null")
	ErrorAssertionUserKeyPair = utils.NewSealdError(utils.KindInternal, "ASSERTION_USER_KEY_PAIR", "assertion error: invalid user device user key pair")
	ErrorAssertionUserKeys    = utils.NewSealdError(utils.KindInternal, "ASSERTION_USER_KEYS", "assertion error: invalid device revocation user keys")
	ErrorAssertionNature      = utils.NewSealdError(utils.KindInternal, "ASSERTION_NATURE", "assertion error: wrong nature for this record")
)

// Block is a signed unit of the trustchain.
type Block struct {
	TrustchainId []byte `json:"trustchain_id"`
	Index        uint64 `json:"index"`
	Nature       Nature `json:"nature"`
	Payload      []byte `json:"payload"`
	Author       []byte `json:"author"`
	Signature    []byte `json:"signature"`
}

// NewBlock returns an unsigned block. Index is assigned by the server, blocks created locally carry 0.
func NewBlock(trustchainId []byte, nature Nature, payload []byte, author []byte) *Block {
	return &Block{
		TrustchainId: trustchainId,
		Nature:       nature,
		Payload:      payload,
		Author:       author,
		Signature:    make([]byte, asymkey.SignatureSize),
	}
}

// HashBlock is blake2b(varint(nature) ‖ varint(index) ‖ author ‖ payload).
func HashBlock(block *Block) []byte {
	var prefix []byte
	prefix = protowire.AppendVarint(prefix, uint64(block.Nature))
	prefix = protowire.AppendVarint(prefix, block.Index)
	return asymkey.GenericHash(prefix, block.Author, block.Payload)
}

// Sign signs the block hash.
func (block *Block) Sign(key *asymkey.SignKeyPair) {
	block.Signature = key.Sign(HashBlock(block))
}

func checkSize(field []byte, size int, name string) error {
	if len(field) != size {
		return tracerr.Wrap(ErrorAssertionFieldSize.AddDetails(fmt.Sprintf("%s: expected %d bytes, got %d", name, size, len(field))))
	}
	return nil
}

func SerializeBlock(block *Block) ([]byte, error) {
	if err := checkSize(block.TrustchainId, HashSize, "trustchain_id"); err != nil {
		return nil, err
	}
	if err := checkSize(block.Author, HashSize, "author"); err != nil {
		return nil, err
	}
	if err := checkSize(block.Signature, asymkey.SignatureSize, "signature"); err != nil {
		return nil, err
	}
	var out []byte
	out = protowire.AppendVarint(out, BlockVersion)
	out = protowire.AppendVarint(out, block.Index)
	out = append(out, block.TrustchainId...)
	out = protowire.AppendVarint(out, uint64(block.Nature))
	out = protowire.AppendVarint(out, uint64(len(block.Payload)))
	out = append(out, block.Payload...)
	out = append(out, block.Author...)
	out = append(out, block.Signature...)
	return out, nil
}

func UnserializeBlock(data []byte) (*Block, error) {
	r := newReader(data)
	version, err := r.varint("version")
	if err != nil {
		return nil, err
	}
	if version != BlockVersion {
		return nil, tracerr.Wrap(ErrorFormatBlockVersion.AddDetails(fmt.Sprintf("version %d", version)))
	}
	block := &Block{}
	if block.Index, err = r.varint("index"); err != nil {
		return nil, err
	}
	if block.TrustchainId, err = r.static(HashSize, "trustchain_id"); err != nil {
		return nil, err
	}
	nature, err := r.varint("nature")
	if err != nil {
		return nil, err
	}
	block.Nature = Nature(nature)
	if block.Payload, err = r.list("payload"); err != nil {
		return nil, err
	}
	if block.Author, err = r.static(HashSize, "author"); err != nil {
		return nil, err
	}
	if block.Signature, err = r.static(asymkey.SignatureSize, "signature"); err != nil {
		return nil, err
	}
	if err = r.end(); err != nil {
		return nil, err
	}
	return block, nil
}

// UnserializeBlockB64 decodes a block as it is transmitted in API responses.
func UnserializeBlockB64(b64Block string) (*Block, error) {
	data, err := base64.StdEncoding.DecodeString(b64Block)
	if err != nil {
		return nil, tracerr.Wrap(ErrorFormatInvalidB64.Wrap(err))
	}
	return UnserializeBlock(data)
}

func SerializeBlockB64(block *Block) (string, error) {
	data, err := SerializeBlock(block)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// reader consumes a payload field by field. Every returned slice is a copy.
type reader struct {
	data   []byte
	offset int
}

func newReader(data []byte) *reader {
	return &reader{data: data}
}

func (r *reader) static(size int, field string) ([]byte, error) {
	if len(r.data)-r.offset < size {
		return nil, tracerr.Wrap(ErrorFormatTruncated.AddDetails(fmt.Sprintf("%s: need %d bytes at offset %d, have %d", field, size, r.offset, len(r.data)-r.offset)))
	}
	value := bytes.Clone(r.data[r.offset : r.offset+size])
	r.offset += size
	return value, nil
}

func (r *reader) singleByte(field string) (byte, error) {
	value, err := r.static(1, field)
	if err != nil {
		return 0, err
	}
	return value[0], nil
}

func (r *reader) varint(field string) (uint64, error) {
	value, n := protowire.ConsumeVarint(r.data[r.offset:])
	if n < 0 {
		return 0, tracerr.Wrap(ErrorFormatVarint.AddDetails(fmt.Sprintf("%s: %s", field, protowire.ParseError(n))))
	}
	r.offset += n
	return value, nil
}

// list reads a varint length followed by that many bytes.
func (r *reader) list(field string) ([]byte, error) {
	length, err := r.varint(field + " length")
	if err != nil {
		return nil, err
	}
	if length > uint64(len(r.data)-r.offset) {
		return nil, tracerr.Wrap(ErrorFormatTruncated.AddDetails(fmt.Sprintf("%s: declared length %d exceeds remaining data", field, length)))
	}
	return r.static(int(length), field)
}

func (r *reader) end() error {
	if r.offset != len(r.data) {
		return tracerr.Wrap(ErrorFormatTrailingBytes.AddDetails(fmt.Sprintf("%d bytes left", len(r.data)-r.offset)))
	}
	return nil
}
