package main

import (
	"context"
	"fmt"
	"log"
	"net/http/httptest"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"

	"github.com/brech1/eigentrust-protocol/internal/aggregator"
	"github.com/brech1/eigentrust-protocol/internal/api"
	"github.com/brech1/eigentrust-protocol/internal/attestation"
	"github.com/brech1/eigentrust-protocol/internal/policy"
	"github.com/brech1/eigentrust-protocol/internal/proof"
	"github.com/brech1/eigentrust-protocol/internal/proof/signature"
	"github.com/brech1/eigentrust-protocol/sdk/go/eigentrust"
)

// 在进程内启动一个节点，三个对等节点互评后由管理员关闭轮次并读取得分。
func main() {
	gin.SetMode(gin.ReleaseMode)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	adminKey, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}
	engine, err := policy.NewEngine(ctx, policy.WithAdmins(crypto.PubkeyToAddress(adminKey.PublicKey).Hex()))
	if err != nil {
		log.Fatal(err)
	}
	manager := proof.NewManager(signature.New(nil), attestation.New(8))
	svc, err := aggregator.New(aggregator.Config{}, manager, aggregator.WithAuthorizer(engine))
	if err != nil {
		log.Fatal(err)
	}
	defer svc.Close()

	srv := httptest.NewServer(api.NewServer(api.Config{RequireSignatures: true}, svc).Handler())
	defer srv.Close()

	peers := make([]*eigentrust.Client, 3)
	for i := range peers {
		key, err := crypto.GenerateKey()
		if err != nil {
			log.Fatal(err)
		}
		peers[i] = eigentrust.NewClient(srv.URL, srv.Client(), eigentrust.WithSigner(key))
	}

	// 节点 0 与 1 互相信任，节点 2 只信任节点 0。
	opinions := [][]aggregator.OpinionEntry{
		{{Target: peers[1].Peer(), Weight: 1}},
		{{Target: peers[0].Peer(), Weight: 0.9}, {Target: peers[2].Peer(), Weight: 0.1}},
		{{Target: peers[0].Peer(), Weight: 1}},
	}
	for i, client := range peers {
		receipt, err := client.SubmitOpinions(ctx, 1, opinions[i])
		if err != nil {
			log.Fatalf("peer %d submit: %v", i, err)
		}
		fmt.Printf("peer %s submitted %s\n", receipt.Peer.Hex(), receipt.ID)
	}

	admin := eigentrust.NewClient(srv.URL, srv.Client(), eigentrust.WithSigner(adminKey))
	report, err := admin.CloseRound(ctx, 1)
	if err != nil {
		log.Fatalf("close round: %v", err)
	}
	fmt.Printf("round %d closed after %d iterations (converged=%v)\n", report.Round, report.Iterations, report.Converged)

	scores, err := admin.Scores(ctx)
	if err != nil {
		log.Fatalf("scores: %v", err)
	}
	for _, entry := range scores.Scores.Entries() {
		fmt.Printf("%s  %.6f\n", entry.Peer.Hex(), entry.Score)
	}
}
