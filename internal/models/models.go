package models

// Block is an exported chain block.
type Block struct {
	ID   uint64
	Hash string
	Data []byte
}

// Transaction is an exported transaction. Hash is the sha256 of the raw
// transaction string.
type Transaction struct {
	Hash    string
	BlockID uint64
	Data    []byte
}
