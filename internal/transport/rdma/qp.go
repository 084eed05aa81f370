package rdma

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/metrics"
)

// qpStateUnusable marks a queue pair whose transition was rejected.
const qpStateUnusable QPState = -1

// Access rights granted on the queue pair and on registered memory.
const accessFlags = MRAccessLocalWrite | MRAccessRemoteWrite | MRAccessRemoteRead

// State returns the tracked queue pair state. It does not wait for an
// operation in progress.
func (c *Conn) State() QPState {
	return QPState(c.current.Load())
}

// setState must be called with c.mu held.
func (c *Conn) setState(s QPState) {
	c.state = s
	c.current.Store(int32(s)) //nolint:gosec // G115: QPState values are small
}

// ToInit moves the queue pair from RESET to INIT.
func (c *Conn) ToInit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	attr, mask := initAttr(&c.cfg)

	return c.transition(QPStateReset, attr, mask)
}

// ToRTR moves the queue pair from INIT to RTR, addressing the peer described
// by its handshake record.
func (c *Conn) ToRTR(peer WireMsg) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	attr, mask := rtrAttr(&c.cfg, peer)

	return c.transition(QPStateInit, attr, mask)
}

// ToRTS moves the queue pair from RTR to RTS using the local handshake record
// for the send PSN.
func (c *Conn) ToRTS(self WireMsg) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	attr, mask := rtsAttr(&c.cfg, self)

	return c.transition(QPStateRTR, attr, mask)
}

// Connect runs the handshake and drives the queue pair all the way to RTS.
func (c *Conn) Connect(ctx context.Context) error {
	self, peer, err := c.Exchange(ctx)
	if err != nil {
		return err
	}

	if err := c.ToInit(); err != nil {
		return err
	}

	if err := c.ToRTR(peer); err != nil {
		return err
	}

	if err := c.ToRTS(self); err != nil {
		return err
	}

	log.Info().
		Str("conn_id", c.id).
		Uint32("qpn", self.QPN).
		Uint32("peer_qpn", peer.QPN).
		Bool("global_route", peer.UsesGlobalRoute()).
		Msg("RDMA connection ready")

	return nil
}

// transition must be called with c.mu held. The current state is checked
// before the provider is involved.
func (c *Conn) transition(from QPState, attr *VerbsQPAttr, mask QPAttrMask) error {
	to := attr.State

	if c.closed {
		return wrap(ErrStateTransition, ErrConnClosed, "")
	}

	if c.state == qpStateUnusable {
		return wrap(ErrStateTransition, ErrQPUnusable, "")
	}

	if c.state != from {
		return wrap(ErrStateTransition, ErrInvalidTransition, "%s->%s requested in state %s", from, to, c.state)
	}

	if err := c.provider.ModifyQP(c.qp, attr, mask); err != nil {
		c.setState(qpStateUnusable)
		metrics.RecordQPTransition(to.String(), false)
		log.Error().Err(err).Str("conn_id", c.id).Str("state", to.String()).Msg("Queue pair transition rejected")

		return wrap(ErrStateTransition, err, "%s->%s", from, to)
	}

	c.setState(to)
	metrics.RecordQPTransition(to.String(), true)
	log.Debug().Str("conn_id", c.id).Uint32("qpn", c.qpn).Str("state", to.String()).Msg("Queue pair transitioned")

	return nil
}

func initAttr(cfg *Config) (*VerbsQPAttr, QPAttrMask) {
	return &VerbsQPAttr{
		State:         QPStateInit,
		PKeyIndex:     cfg.PKeyIndex,
		PortNum:       cfg.IBPort,
		QPAccessFlags: accessFlags,
	}, QPAttrState | QPAttrPKeyIndex | QPAttrPort | QPAttrAccessFlags
}

// rtrAttr builds the RTR attributes for a peer. A peer LID of zero selects
// routing by GID; the source GID index is always the local configured one.
func rtrAttr(cfg *Config, peer WireMsg) (*VerbsQPAttr, QPAttrMask) {
	attr := &VerbsQPAttr{
		State:           QPStateRTR,
		PathMTU:         cfg.pathMTU(),
		DestQPN:         peer.QPN,
		RQPsn:           peer.PSN,
		MaxDestRdAtomic: cfg.MaxDestRdAtomic,
		MinRnrTimer:     cfg.MinRNRTimer,
		Path: VerbsAHAttr{
			DLID:        peer.LID,
			SL:          0,
			SrcPathBits: 0,
			PortNum:     cfg.IBPort,
		},
	}

	if peer.UsesGlobalRoute() {
		attr.Path.IsGlobal = 1
		attr.Path.DLID = 0
		attr.Path.GRH = VerbsGlobalRoute{
			DGID:      peer.GID,
			HopLimit:  cfg.HopLimit,
			SGIDIndex: uint8(cfg.GIDIndex), //nolint:gosec // G115: GID table index fits in 8 bits
		}
	}

	return attr, QPAttrState | QPAttrAV | QPAttrPathMTU | QPAttrDestQPN |
		QPAttrRQPsn | QPAttrMaxDestRdAtomic | QPAttrMinRnrTimer
}

func rtsAttr(cfg *Config, self WireMsg) (*VerbsQPAttr, QPAttrMask) {
	return &VerbsQPAttr{
		State:       QPStateRTS,
		SQPsn:       self.PSN,
		Timeout:     cfg.Timeout,
		RetryCnt:    cfg.RetryCount,
		RnrRetry:    cfg.RNRRetry,
		MaxRdAtomic: cfg.MaxRdAtomic,
	}, QPAttrState | QPAttrTimeout | QPAttrRetryCnt | QPAttrRnrRetry | QPAttrSQPsn | QPAttrMaxQPRdAtomic
}
