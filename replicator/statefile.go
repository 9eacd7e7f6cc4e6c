package replicator

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// The saved state file is line-oriented text:
//
//	# repliset saved state, version: 1
//	uuid:  <uuid>
//	seqno: <int>
//	cert_index:
//
// It is rewritten on every primary configuration with the node's identity
// and position, and invalidated ahead of a state transfer request so that an
// interrupted transfer cannot masquerade as complete state.

const stateFileVersion = 1

// undefinedUUID is the textual form of an undefined state identity.
const undefinedUUID = "00000000-0000-0000-0000-000000000000"

func (r *Replicator) stateFilePath() string {
	return filepath.Join(r.cfg.DataDir, r.cfg.StateFile)
}

// writeStateFile rewrites the saved state file with |stateUUID| and |seqno|.
func (r *Replicator) writeStateFile(stateUUID uuid.UUID, seqno int64) {
	var f, err = r.fs.Create(r.stateFilePath())
	if err != nil {
		log.WithFields(log.Fields{"path": r.stateFilePath(), "err": err}).
			Fatal("could not store state")
	}
	defer f.Close()

	fmt.Fprintf(f, "# repliset saved state, version: %d\n", stateFileVersion)
	fmt.Fprintf(f, "uuid:  %s\n", stateUUID)
	fmt.Fprintf(f, "seqno: %d\n", seqno)
	fmt.Fprintf(f, "cert_index:\n")
}

// storeState saves the node's identity and apply position.
func (r *Replicator) storeState() {
	r.mu.Lock()
	var stateUUID = r.stateUUID
	r.mu.Unlock()
	r.writeStateFile(stateUUID, r.applyMon.LastLeft())
}

// invalidateState marks the saved state undefined.
func (r *Replicator) invalidateState() {
	r.writeStateFile(uuid.Nil, SeqnoUndefined)
}

// restoreState seats the node from the saved state file, if one exists.
func (r *Replicator) restoreState() {
	var f, err = r.fs.Open(r.stateFilePath())
	if err != nil {
		log.WithFields(log.Fields{"path": r.stateFilePath(), "err": err}).
			Warn("could not restore state from file")
		return
	}
	defer f.Close()

	var stateUUID = uuid.Nil
	var seqno = SeqnoUndefined

	var scanner = bufio.NewScanner(f)
	if !scanner.Scan() {
		log.WithField("path", r.stateFilePath()).Fatal("could not read state header")
	}
	log.WithField("header", scanner.Text()).Debug("read state header")

	for scanner.Scan() {
		var line = scanner.Text()
		switch {
		case strings.HasPrefix(line, "uuid:"):
			var s = strings.TrimSpace(strings.TrimPrefix(line, "uuid:"))
			if u, err := uuid.Parse(s); err == nil && s != undefinedUUID {
				stateUUID = u
			}
		case strings.HasPrefix(line, "seqno:"):
			var s = strings.TrimSpace(strings.TrimPrefix(line, "seqno:"))
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				seqno = v
			}
		case strings.HasPrefix(line, "cert_index:"):
			// Index restore is carried by the next configuration instead.
		}
	}

	log.WithFields(log.Fields{"uuid": stateUUID, "seqno": seqno}).
		Debug("restored state")

	r.mu.Lock()
	r.stateUUID = stateUUID
	r.mu.Unlock()
	r.applyMon.SetInitialPosition(seqno)
	r.cert.AssignInitialPosition(seqno)
}
