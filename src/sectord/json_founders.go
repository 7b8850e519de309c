package sectord

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"sync"

	"github.com/xornet/sectord/src/common"
	"github.com/xornet/sectord/src/membership"
	"github.com/xornet/sectord/src/xor"
)

const jsonFounderPath = "founders.json"

// founderRecord is the on-disk shape of one founder entry. The XOR name is
// derived from the public key, so the file only carries what an operator can
// produce with the keygen command.
type founderRecord struct {
	Addr   string `json:"addr"`
	PubKey string `json:"pubkey"`
}

// JSONFounders is used to provide founder persistence on disk in the form
// of a JSON file. This allows human operators to manipulate the file.
type JSONFounders struct {
	l    sync.Mutex
	path string
}

// NewJSONFounders creates a new JSONFounders store.
func NewJSONFounders(base string) *JSONFounders {
	path := filepath.Join(base, jsonFounderPath)
	store := &JSONFounders{
		path: path,
	}
	return store
}

// Founders reads the founder set from the underlying file.
func (j *JSONFounders) Founders() ([]membership.Peer, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	if len(buf) == 0 {
		return nil, nil
	}

	var records []founderRecord
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&records); err != nil {
		return nil, err
	}

	founders := make([]membership.Peer, len(records))
	for i, r := range records {
		pub, err := common.DecodeFromString(r.PubKey)
		if err != nil {
			return nil, err
		}
		founders[i] = membership.Peer{
			Name:   xor.NameFromPubKey(pub),
			Addr:   r.Addr,
			PubKey: pub,
		}
	}

	return founders, nil
}

// SetFounders writes the founder set out as JSON.
func (j *JSONFounders) SetFounders(founders []membership.Peer) error {
	j.l.Lock()
	defer j.l.Unlock()

	records := make([]founderRecord, len(founders))
	for i, f := range founders {
		records[i] = founderRecord{
			Addr:   f.Addr,
			PubKey: common.EncodeToString(f.PubKey),
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(records); err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, buf.Bytes(), 0755)
}
