package store

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/syntrixbase/searchfolder/internal/search/types"
)

// definitionVersion is written into every blob so the layout can evolve.
const definitionVersion = 1

type definitionBlob struct {
	Version    int                    `bson:"v"`
	Definition types.SearchDefinition `bson:"def"`
}

// EncodeDefinition serializes a search definition for the definition table.
func EncodeDefinition(def types.SearchDefinition) ([]byte, error) {
	data, err := bson.Marshal(definitionBlob{Version: definitionVersion, Definition: def})
	if err != nil {
		return nil, fmt.Errorf("encode search definition: %w", err)
	}
	return data, nil
}

// DecodeDefinition parses a blob written by EncodeDefinition.
func DecodeDefinition(data []byte) (types.SearchDefinition, error) {
	var blob definitionBlob
	if err := bson.Unmarshal(data, &blob); err != nil {
		return types.SearchDefinition{}, fmt.Errorf("decode search definition: %w", err)
	}
	if blob.Version != definitionVersion {
		return types.SearchDefinition{}, fmt.Errorf("decode search definition: unsupported version %d", blob.Version)
	}
	return blob.Definition, nil
}
