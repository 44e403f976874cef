package perp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luxfi/database"
)

var (
	productPrefix  = []byte("product:")
	positionPrefix = []byte("position:")
)

// Store persists products and positions to a key-value database so the
// engine can rebuild its state at startup. Writes go through per mutation;
// reads only happen on load.
type Store struct {
	db database.Database
}

// NewStore wraps db.
func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

func productKey(id string) []byte {
	return append(append([]byte{}, productPrefix...), id...)
}

func positionKey(id string) []byte {
	return append(append([]byte{}, positionPrefix...), id...)
}

// PutProduct stores the product record.
func (s *Store) PutProduct(p *Product) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode product %s: %w", p.ID, err)
	}
	return s.db.Put(productKey(p.ID), raw)
}

// PutPosition stores the position record.
func (s *Store) PutPosition(p *Position) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode position %s: %w", p.ID, err)
	}
	return s.db.Put(positionKey(p.ID), raw)
}

// GetPosition loads one position.
func (s *Store) GetPosition(id string) (*Position, error) {
	raw, err := s.db.Get(positionKey(id))
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, err
	}
	var pos Position
	if err := json.Unmarshal(raw, &pos); err != nil {
		return nil, fmt.Errorf("decode position %s: %w", id, err)
	}
	return &pos, nil
}

// DeletePosition removes a closed position's record.
func (s *Store) DeletePosition(id string) error {
	return s.db.Delete(positionKey(id))
}

// WriteAll persists the full state in one batch, for checkpointing at
// shutdown.
func (s *Store) WriteAll(products []*Product, positions []*Position) error {
	batch := s.db.NewBatch()
	for _, p := range products {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode product %s: %w", p.ID, err)
		}
		if err := batch.Put(productKey(p.ID), raw); err != nil {
			return err
		}
	}
	for _, pos := range positions {
		raw, err := json.Marshal(pos)
		if err != nil {
			return fmt.Errorf("encode position %s: %w", pos.ID, err)
		}
		if err := batch.Put(positionKey(pos.ID), raw); err != nil {
			return err
		}
	}
	return batch.Write()
}

// LoadAll reads every stored product and position.
func (s *Store) LoadAll() ([]*Product, []*Position, error) {
	var products []*Product
	it := s.db.NewIteratorWithPrefix(productPrefix)
	for it.Next() {
		var p Product
		if err := json.Unmarshal(it.Value(), &p); err != nil {
			it.Release()
			return nil, nil, fmt.Errorf("decode product %q: %w", it.Key(), err)
		}
		products = append(products, &p)
	}
	if err := it.Error(); err != nil {
		it.Release()
		return nil, nil, err
	}
	it.Release()

	var positions []*Position
	it = s.db.NewIteratorWithPrefix(positionPrefix)
	defer it.Release()
	for it.Next() {
		var pos Position
		if err := json.Unmarshal(it.Value(), &pos); err != nil {
			return nil, nil, fmt.Errorf("decode position %q: %w", it.Key(), err)
		}
		positions = append(positions, &pos)
	}
	if err := it.Error(); err != nil {
		return nil, nil, err
	}
	return products, positions, nil
}
