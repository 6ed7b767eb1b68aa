// Package instance implements the merchant's instance registry: the named
// identities the backend can sign contracts under, each with its own key
// file and wire methods.
package instance

import (
	"encoding/base32"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/fastrand"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/config"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/persist"
)

const (
	instancePrefix = "instance-"
	accountPrefix  = "merchant-account-"

	// defaultWireFileMode is used when an account section does not set
	// WIRE_FILE_MODE.
	defaultWireFileMode = 0640
)

var (
	// ErrNoDefaultInstance is returned when the configuration defines no
	// "default" instance.
	ErrNoDefaultInstance = errors.New("no default instance configured")
	// ErrNoActiveWireMethod is returned when an instance ends up with zero
	// active wire methods.
	ErrNoActiveWireMethod = errors.New("instance has no active wire method")
	// ErrDuplicatePubkey is returned when two instances share a public key.
	ErrDuplicatePubkey = errors.New("two instances share a public key")
	// ErrWireFileMismatch is returned when a wire-response file on disk
	// disagrees with the configured payto URI.
	ErrWireFileMismatch = errors.New("wire-response file disagrees with configured payto uri")
)

// A Registry holds all configured instances. Read-only after startup.
type Registry struct {
	byID  map[string]*modules.Instance
	byPub map[crypto.PublicKey]*modules.Instance
	order []string
	log   *persist.Logger
}

// wireResponse is the persisted wire-detail file. Its canonical bytes on
// disk are what H_wire commits to.
type wireResponse struct {
	PaytoURI string `json:"payto_uri"`
	Salt     string `json:"salt"`
}

// New parses instance-* and merchant-account-* sections and loads or
// creates the referenced key and wire-response files.
func New(cfg *config.Config, log *persist.Logger) (*Registry, error) {
	r := &Registry{
		byID:  make(map[string]*modules.Instance),
		byPub: make(map[crypto.PublicKey]*modules.Instance),
		log:   log,
	}

	for _, section := range cfg.SectionsWithPrefix(instancePrefix) {
		id := strings.TrimPrefix(section, instancePrefix)
		inst, err := r.loadInstance(cfg, section, id)
		if err != nil {
			return nil, err
		}
		if _, exists := r.byPub[inst.Pub]; exists {
			return nil, ErrDuplicatePubkey
		}
		r.byID[id] = inst
		r.byPub[inst.Pub] = inst
		r.order = append(r.order, id)
	}
	sort.Strings(r.order)

	if _, ok := r.byID["default"]; !ok {
		return nil, ErrNoDefaultInstance
	}

	if err := r.attachAccounts(cfg); err != nil {
		return nil, err
	}
	for _, id := range r.order {
		inst := r.byID[id]
		sortWireMethods(inst.WireMethods)
		if inst.ActiveWireMethod() == nil {
			return nil, errors.AddContext(ErrNoActiveWireMethod, "instance "+id)
		}
	}
	return r, nil
}

// loadInstance reads one instance-<id> section and its key file.
func (r *Registry) loadInstance(cfg *config.Config, section, id string) (*modules.Instance, error) {
	s := cfg.Section(section)
	name, err := s.String("name")
	if err != nil {
		return nil, err
	}
	keyfile, err := s.String("keyfile")
	if err != nil {
		return nil, err
	}

	sk, err := crypto.LoadSecretKeyFile(keyfile)
	if os.IsNotExist(err) {
		// First run: create the key, like the wire-response files below.
		sk, _ = crypto.GenerateKeyPair()
		if err = os.MkdirAll(filepath.Dir(keyfile), 0700); err == nil {
			err = crypto.SaveSecretKeyFile(keyfile, sk)
		}
		if err == nil {
			r.log.Printf("created signing key for instance %q at %s", id, keyfile)
		}
	}
	if err != nil {
		return nil, errors.AddContext(err, "unable to load key for instance "+id)
	}

	return &modules.Instance{
		ID:   strings.ToLower(id),
		Name: name,
		Key:  sk,
		Pub:  sk.PublicKey(),
	}, nil
}

// attachAccounts reads all merchant-account-* sections and attaches a wire
// method to every instance the account honors.
func (r *Registry) attachAccounts(cfg *config.Config) error {
	for _, section := range cfg.SectionsWithPrefix(accountPrefix) {
		s := cfg.Section(section)
		paytoURI, err := s.String("payto_uri")
		if err != nil {
			return err
		}
		wireFile, err := s.String("wire_response")
		if err != nil {
			return err
		}
		mode, err := s.FileMode("wire_file_mode", defaultWireFileMode)
		if err != nil {
			return err
		}
		method, err := wireMethodOfPayto(paytoURI)
		if err != nil {
			return errors.AddContext(err, "in ["+section+"]")
		}

		details, hash, err := r.ensureWireFile(wireFile, paytoURI, os.FileMode(mode))
		if err != nil {
			return errors.AddContext(err, "in ["+section+"]")
		}

		for _, id := range r.order {
			honor, err := s.Bool("honor_"+id, false)
			if err != nil {
				return err
			}
			if !honor {
				continue
			}
			active, err := s.Bool("active_"+id, true)
			if err != nil {
				return err
			}
			inst := r.byID[id]
			inst.WireMethods = append(inst.WireMethods, &modules.WireMethod{
				Method:  method,
				Details: details,
				Hash:    hash,
				Active:  active,
			})
		}
	}
	return nil
}

// ensureWireFile loads the wire-response file, creating it with a fresh
// salt on first run, and returns the exact persisted bytes and their hash.
func (r *Registry) ensureWireFile(filename, paytoURI string, mode os.FileMode) ([]byte, crypto.Hash, error) {
	var wr wireResponse
	data, err := persist.LoadJSONRaw(filename, &wr)
	if os.IsNotExist(err) {
		wr = wireResponse{
			PaytoURI: paytoURI,
			Salt:     base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(fastrand.Bytes(32)),
		}
		if err = persist.SaveJSONCompact(filename, wr, mode); err != nil {
			return nil, crypto.Hash{}, err
		}
		r.log.Printf("created wire-response file %s", filename)
		data, err = persist.LoadJSONRaw(filename, &wr)
	}
	if err != nil {
		return nil, crypto.Hash{}, err
	}
	if wr.PaytoURI != paytoURI {
		return nil, crypto.Hash{}, ErrWireFileMismatch
	}
	// The hash commits to the exact bytes on disk so it reproduces across
	// restarts.
	return data, crypto.HashBytes(data), nil
}

// wireMethodOfPayto extracts the wire method from a payto URI: the
// authority component, e.g. "sepa" in payto://sepa/DE123.
func wireMethodOfPayto(uri string) (string, error) {
	const scheme = "payto://"
	if !strings.HasPrefix(uri, scheme) {
		return "", errors.New("not a payto URI: " + uri)
	}
	rest := uri[len(scheme):]
	if slash := strings.IndexByte(rest, '/'); slash > 0 {
		rest = rest[:slash]
	}
	if rest == "" {
		return "", errors.New("payto URI has no wire method: " + uri)
	}
	return rest, nil
}

// sortWireMethods orders active methods before inactive ones, keeping the
// configured order within each class.
func sortWireMethods(wms []*modules.WireMethod) {
	sort.SliceStable(wms, func(i, j int) bool {
		return wms[i].Active && !wms[j].Active
	})
}

// LookupByID resolves an instance id. Lookup is case-insensitive, and the
// empty id resolves to "default".
func (r *Registry) LookupByID(id string) (*modules.Instance, error) {
	if id == "" {
		id = "default"
	}
	inst, ok := r.byID[strings.ToLower(id)]
	if !ok {
		return nil, modules.ErrUnknownInstance
	}
	return inst, nil
}

// LookupByPubkey resolves an instance by its public key.
func (r *Registry) LookupByPubkey(pub crypto.PublicKey) (*modules.Instance, error) {
	inst, ok := r.byPub[pub]
	if !ok {
		return nil, modules.ErrUnknownInstance
	}
	return inst, nil
}

// Instances returns all instances ordered by id.
func (r *Registry) Instances() []*modules.Instance {
	insts := make([]*modules.Instance, 0, len(r.order))
	for _, id := range r.order {
		insts = append(insts, r.byID[id])
	}
	return insts
}
