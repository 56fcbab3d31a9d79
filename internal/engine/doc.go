// Package engine talks to the generation engine: it checks availability,
// submits workflow documents, follows their progress over a websocket or
// socket.io stream, cancels them, reads the engine's resource inventory, and
// downloads finished artifacts.
package engine
