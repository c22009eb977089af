package key

// NODE

var (
	_ publicKey = NodePublic{}

	_ privateKey[NodePublic] = NodePrivate{}

	// We need this to put keys in config files and the shell.
	_ canTextMarshal = &NodePublic{}

	// We need this to persist node keys to disk.
	_ canTextMarshal = &NodePrivate{}
)

// SESSION

var (
	_ key = SessionKey{}
)
