// Package mempool implements a typed REST client for a private
// mempool/Electrum-style block-explorer API (mempool.space / esplora
// wire format), offering address stats, tip height, block contents, and
// transaction details.
package mempool

import "strings"

// ChainStats holds the confirmed-chain portion of an address's statistics,
// sat-denominated exactly as the API returns it.
type ChainStats struct {
	FundedTxoSum int64 `json:"funded_txo_sum"`
	SpentTxoSum  int64 `json:"spent_txo_sum"`
	TxCount      int64 `json:"tx_count"`
}

// AddressInfo is the response shape of GET /address/{address}.
type AddressInfo struct {
	Address     string     `json:"address"`
	ChainStats  ChainStats `json:"chain_stats"`
	MempoolStat ChainStats `json:"mempool_stats"`
}

// Vin is one transaction input. Coinbase inputs are signalled by any of
// three disjoint fields depending on provider; IsCoinbase reports true if
// any one of them is present (§4.2, §9 open question).
type Vin struct {
	IsCoinbaseFlag *bool           `json:"is_coinbase,omitempty"`
	Coinbase       *string         `json:"coinbase,omitempty"`
	Txid           string          `json:"txid"`
	Vout           uint32          `json:"vout"`
	Prevout        *Vout           `json:"prevout,omitempty"`
	Sequence       uint32          `json:"sequence"`
	Witness        []string        `json:"witness,omitempty"`
	ScriptSig      string          `json:"scriptsig,omitempty"`
	ScriptSigAsm   string          `json:"scriptsig_asm,omitempty"`
	InnerRedeem    *string         `json:"inner_redeemscript_asm,omitempty"`
}

// IsCoinbase reports whether this input is a coinbase input, accepting
// any one of the three signals the provider may send: an explicit
// is_coinbase flag, presence of a coinbase field, or the null-txid
// convention (32 zero bytes).
func (v Vin) IsCoinbase() bool {
	if v.IsCoinbaseFlag != nil && *v.IsCoinbaseFlag {
		return true
	}
	if v.Coinbase != nil {
		return true
	}
	return v.Txid == nullTxid
}

// nullTxid is the 32-zero-byte synthetic input txid a coinbase
// transaction's vin carries, hex-encoded (64 '0' characters).
var nullTxid = strings.Repeat("0", 64)

// Vout is one transaction output.
type Vout struct {
	ScriptPubKey        string `json:"scriptpubkey"`
	ScriptPubKeyAsm     string `json:"scriptpubkey_asm"`
	ScriptPubKeyType    string `json:"scriptpubkey_type"`
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

// Status describes a transaction's confirmation state.
type Status struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

// Tx is a transaction as returned by /tx/{id}, /address/{a}/txs, and the
// tx list embedded in a verbose /block/{h} response.
type Tx struct {
	Txid     string `json:"txid"`
	Version  int32  `json:"version"`
	Locktime uint32 `json:"locktime"`
	Vin      []Vin  `json:"vin"`
	Vout     []Vout `json:"vout"`
	Size     int64  `json:"size"`
	Weight   int64  `json:"weight"`
	Fee      int64  `json:"fee"`
	Status   Status `json:"status"`
}

// IsCoinbaseTx reports whether tx is a coinbase transaction: its first
// input carries any one of the coinbase signals. Classifying by
// position-in-block is deliberately avoided (§9): the address-history
// endpoint does not reliably preserve it.
func (t Tx) IsCoinbaseTx() bool {
	if len(t.Vin) == 0 {
		return false
	}
	return t.Vin[0].IsCoinbase()
}

// Block is the response shape of GET /block/{hash}. Tx is only populated
// by callers that request the verbose form; routine block-walk lookups
// use GetBlockTxids/GetTx instead.
type Block struct {
	ID        string `json:"id"`
	Height    uint64 `json:"height"`
	Timestamp int64  `json:"timestamp"`
	TxCount   int64  `json:"tx_count"`
	Tx        []Tx   `json:"tx,omitempty"`
}

// FeeEstimate is the response shape of GET /v1/fees/recommended. It is
// part of the REST surface this client promises (§2, §6) even though the
// core balance-scanning algorithms never consult it directly.
type FeeEstimate struct {
	FastestFee  float64 `json:"fastestFee"`
	HalfHourFee float64 `json:"halfHourFee"`
	HourFee     float64 `json:"hourFee"`
	EconomyFee  float64 `json:"economyFee"`
	MinimumFee  float64 `json:"minimumFee"`
}

// blockTxidsEnvelope tolerates the three response shapes a private
// mempool instance might use for GET /block/{h}/txids (§4.2).
type blockTxidsEnvelope struct {
	Txids        []string `json:"txids"`
	Transactions []string `json:"transactions"`
}
