package api

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/brech1/eigentrust-protocol/internal/aggregator"
	"github.com/brech1/eigentrust-protocol/internal/anchor"
	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/ingest"
	"github.com/brech1/eigentrust-protocol/internal/proof"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, err error) {
	status := xerrors.HTTPStatus(err)
	code := xerrors.CodeOf(err)
	message := xerrors.AttributesOf(code).Message
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	c.JSON(status, errorResponse{Code: string(code), Message: message})
}

func (s *Server) readBody(c *gin.Context) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(aggregator.CodeMalformedSubmission, err, "读取请求体失败")
	}
	if int64(len(raw)) > s.cfg.MaxBodyBytes {
		return nil, xerrors.Newf(aggregator.CodeMalformedSubmission, "请求体超过 %d 字节", s.cfg.MaxBodyBytes)
	}
	return raw, nil
}

func (s *Server) handleSubmit(kind aggregator.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := s.readBody(c)
		if err != nil {
			writeError(c, err)
			return
		}
		sub, err := aggregator.Decode(raw, s.cfg.RequireSignatures)
		if err != nil {
			writeError(c, err)
			return
		}
		if sub.Kind() != kind {
			writeError(c, xerrors.Newf(aggregator.CodeMalformedSubmission, "此接口只接受 %s 类型的信封", kind))
			return
		}
		current := s.svc.CurrentRound().Round
		if op, ok := sub.(aggregator.OpinionSubmission); ok && op.Round != 0 && op.Round != current {
			writeError(c, xerrors.Newf(proof.CodeStaleRound, "提交轮次 %d 与开放轮次 %d 不一致", op.Round, current))
			return
		}

		if s.producer == nil {
			receipt, err := s.svc.Submit(c.Request.Context(), sub)
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusAccepted, receipt)
			return
		}
		msg, err := ingest.Publish(c.Request.Context(), s.producer, raw)
		if err != nil {
			s.logger.Error("投递提交失败", slog.Any("error", err))
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, aggregator.Receipt{
			ID:    msg.ID,
			Kind:  sub.Kind(),
			Peer:  sub.From(),
			Round: current,
		})
	}
}

type scoresResponse struct {
	*aggregator.Snapshot
	Anchors []anchor.Record `json:"anchors"`
}

func (s *Server) handleScores(c *gin.Context) {
	snap, ok := s.svc.Snapshot()
	if !ok {
		writeError(c, xerrors.New(xerrors.CodeUnavailable, "尚未发布信任快照"))
		return
	}
	anchors := s.svc.AnchorStatus(snap.Round)
	if anchors == nil {
		anchors = []anchor.Record{}
	}
	c.JSON(http.StatusOK, scoresResponse{Snapshot: snap, Anchors: anchors})
}

func (s *Server) handlePeerScore(c *gin.Context) {
	peer, err := parsePeer(c.Param("peer"))
	if err != nil {
		writeError(c, err)
		return
	}
	score, err := s.svc.Score(peer)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

func (s *Server) handleCurrentRound(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.CurrentRound())
}

func (s *Server) handleRound(c *gin.Context) {
	round, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || round == 0 {
		writeError(c, xerrors.Newf(xerrors.CodeInvalidArgument, "非法的轮次 %q", c.Param("id")))
		return
	}
	report, ok := s.svc.Report(round)
	if !ok {
		writeError(c, xerrors.Newf(xerrors.CodeNotFound, "轮次 %d 不存在或已过期", round))
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleAnchors(c *gin.Context) {
	var round uint64
	if raw := c.Query("round"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(c, xerrors.Newf(xerrors.CodeInvalidArgument, "非法的轮次 %q", raw))
			return
		}
		round = parsed
	}
	status := anchor.Status(c.Query("status"))
	var peer trust.Peer
	if raw := c.Query("peer"); raw != "" {
		parsed, err := parsePeer(raw)
		if err != nil {
			writeError(c, err)
			return
		}
		peer = parsed
	}

	out := []anchor.Record{}
	for _, rec := range s.svc.AnchorStatus(round) {
		if status != "" && rec.Status != status {
			continue
		}
		if peer != (trust.Peer{}) && rec.Peer != peer {
			continue
		}
		out = append(out, rec)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePretrust(c *gin.Context) {
	raw, err := s.readBody(c)
	if err != nil {
		writeError(c, err)
		return
	}
	env, err := aggregator.DecodeEnvelope(raw)
	if err != nil {
		writeError(c, err)
		return
	}
	upd, err := env.PretrustUpdate()
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.svc.StagePretrust(c.Request.Context(), upd); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":    "staged",
		"effective": s.svc.CurrentRound().Round,
		"peers":     len(upd.Weights),
	})
}

func (s *Server) handleCloseRound(c *gin.Context) {
	raw, err := s.readBody(c)
	if err != nil {
		writeError(c, err)
		return
	}
	env, err := aggregator.DecodeEnvelope(raw)
	if err != nil {
		writeError(c, err)
		return
	}
	req, err := env.CloseRequest()
	if err != nil {
		writeError(c, err)
		return
	}
	report, err := s.svc.RequestClose(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Health())
}

func parsePeer(raw string) (trust.Peer, error) {
	if !common.IsHexAddress(raw) {
		return trust.Peer{}, xerrors.Newf(xerrors.CodeInvalidArgument, "非法的节点地址 %q", raw)
	}
	return common.HexToAddress(raw), nil
}
