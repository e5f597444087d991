package invite

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// Themed word pools for memorable room codes and passphrases.
// Picking one word from each list keeps codes pronounceable and
// collision-unfriendly enough for a two-party, single-session room.
var colors = []string{
	"amber", "azure", "coral", "crimson", "ember", "hazel", "indigo", "ivory",
	"jade", "lilac", "maroon", "olive", "onyx", "pearl", "plum", "rust",
	"sage", "scarlet", "sepia", "slate", "teal", "umber", "violet", "cobalt",
}

var creatures = []string{
	"badger", "bittern", "condor", "cricket", "dormouse", "falcon", "gecko",
	"heron", "ibis", "jackal", "kestrel", "lemur", "lynx", "marten", "newt",
	"ocelot", "osprey", "plover", "raven", "shrike", "stoat", "tern", "vole", "wren",
}

var places = []string{
	"archway", "bayou", "canyon", "delta", "fjord", "glacier", "grotto",
	"harbor", "inlet", "knoll", "lagoon", "mesa", "moor", "oasis", "outpost",
	"quarry", "ravine", "reef", "summit", "taiga", "tundra", "valley", "wharf", "zenith",
}

var objects = []string{
	"anchor", "beacon", "candle", "compass", "dial", "ember", "flask",
	"gable", "hinge", "ingot", "kettle", "lantern", "mallet", "needle",
	"oar", "prism", "quill", "rudder", "spool", "tiller", "urn", "vane", "wick", "yoke",
}

var pools = [][]string{colors, creatures, places, objects}

// randomIndex returns a cryptographically secure random index below max.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		// crypto/rand failing means the platform RNG is broken;
		// nothing sensible to do but stop.
		panic("invite: random source unavailable: " + err.Error())
	}
	return int(n.Int64())
}

func randomWords(n int) string {
	words := make([]string, n)
	for i := range words {
		pool := pools[i%len(pools)]
		words[i] = pool[randomIndex(len(pool))]
	}
	return strings.Join(words, "-")
}

// NewRoomID generates a memorable room identifier such as
// "teal-kestrel-lagoon-quill".
func NewRoomID() string {
	return randomWords(4)
}

// NewPassphrase generates a word passphrase for key derivation. Kept
// separate from NewRoomID so the two can diverge in length later.
func NewPassphrase() string {
	return randomWords(4)
}
