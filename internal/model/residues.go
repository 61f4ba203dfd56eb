package model

import "strings"

// StandardResidues lists the 20 standard amino acids in one-letter order.
var StandardResidues = []string{
	"ALA", "CYS", "ASP", "GLU", "PHE", "GLY", "HIS", "ILE", "LYS", "LEU",
	"MET", "ASN", "PRO", "GLN", "ARG", "SER", "THR", "VAL", "TRP", "TYR",
}

var threeToOne = map[string]byte{
	"ALA": 'A', "CYS": 'C', "ASP": 'D', "GLU": 'E', "PHE": 'F',
	"GLY": 'G', "HIS": 'H', "ILE": 'I', "LYS": 'K', "LEU": 'L',
	"MET": 'M', "ASN": 'N', "PRO": 'P', "GLN": 'Q', "ARG": 'R',
	"SER": 'S', "THR": 'T', "VAL": 'V', "TRP": 'W', "TYR": 'Y',
	// common protonation/modification variants emitted by preparation tools
	"HID": 'H', "HIE": 'H', "HIP": 'H', "CYX": 'C', "MSE": 'M',
}

var oneToThree = map[byte]string{
	'A': "ALA", 'C': "CYS", 'D': "ASP", 'E': "GLU", 'F': "PHE",
	'G': "GLY", 'H': "HIS", 'I': "ILE", 'K': "LYS", 'L': "LEU",
	'M': "MET", 'N': "ASN", 'P': "PRO", 'Q': "GLN", 'R': "ARG",
	'S': "SER", 'T': "THR", 'V': "VAL", 'W': "TRP", 'Y': "TYR",
}

// OneLetter maps a residue name to its one-letter code, 'X' when unknown.
func OneLetter(name string) byte {
	if code, ok := threeToOne[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return code
	}
	return 'X'
}

// ThreeLetter normalizes a one- or three-letter residue name. ok is false for
// anything outside the standard set.
func ThreeLetter(name string) (string, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if len(name) == 1 {
		three, ok := oneToThree[name[0]]
		return three, ok
	}
	if code, ok := threeToOne[name]; ok {
		return oneToThree[code], true
	}
	return "", false
}

func IsStandardResidue(name string) bool {
	_, ok := ThreeLetter(name)
	return ok
}
