// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

// Note section parsing, as described in the ELF standard in Figure 2-3.
package elfinfo // import "github.com/fdo-tools/fdoprof/elfinfo"

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
)

var errNoBuildIDNote = errors.New("no GNU build-id note")

// noteHeaderSize covers namesz, descsz and type.
const noteHeaderSize = 12

// ntGNUBuildID is the note type of a GNU build-id.
const ntGNUBuildID = 3

func align4(n int) int {
	return (n + 3) &^ 3
}

// parseBuildIDNote walks the notes in a .note.gnu.build-id section and
// returns the hex form of the first GNU build-id found.
func parseBuildIDNote(data []byte) (string, error) {
	for len(data) >= noteHeaderSize {
		namesz := int(binary.LittleEndian.Uint32(data[0:4]))
		descsz := int(binary.LittleEndian.Uint32(data[4:8]))
		noteType := binary.LittleEndian.Uint32(data[8:12])

		nameEnd := noteHeaderSize + align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if namesz < 0 || descsz < 0 || descEnd > len(data) {
			return "", errors.New("truncated note section")
		}

		name := data[noteHeaderSize : noteHeaderSize+namesz]
		if noteType == ntGNUBuildID && bytes.Equal(name, []byte("GNU\x00")) {
			desc := data[nameEnd : nameEnd+descsz]
			if len(desc) == 0 {
				return "", errors.New("empty build-id note")
			}
			return hex.EncodeToString(desc), nil
		}
		data = data[descEnd:]
	}
	return "", errNoBuildIDNote
}
